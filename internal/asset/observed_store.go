package asset

import "context"

// TransitionObserver 在阶段流转成功提交后收到最新记录。
// 回调在调用方的请求路径上执行，实现必须立即返回。
type TransitionObserver func(record *Record)

type observedStore struct {
	Store
	observer TransitionObserver
}

// NewObservedStore 包装存储，在每次真实的阶段变更后触发回调。
// 同阶段的检查点更新（from == to）不触发。
func NewObservedStore(store Store, observer TransitionObserver) Store {
	if store == nil || observer == nil {
		return store
	}
	return &observedStore{Store: store, observer: observer}
}

func (s *observedStore) Transition(ctx context.Context, id string, from, to Stage, mutate Mutator) (*Record, error) {
	record, err := s.Store.Transition(ctx, id, from, to, mutate)
	if err == nil && from != to {
		s.observer(record)
	}
	return record, err
}
