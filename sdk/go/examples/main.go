package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"custody-pipeline/sdk/go/custody"
)

// 演示通过 SDK 提交一份资产并轮询其阶段流转。
func main() {
	baseURL := os.Getenv("CUSTODY_API_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	client, err := custody.NewClient(baseURL, nil)
	if err != nil {
		log.Fatalf("创建客户端失败: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := client.Authenticate(ctx, custody.Credentials{
		Operator: os.Getenv("CUSTODY_OPERATOR"),
		Password: os.Getenv("CUSTODY_PASSWORD"),
	}); err != nil {
		log.Fatalf("认证失败: %v", err)
	}

	created, err := client.Submit(ctx, custody.Submission{
		Kind:      "gift_card",
		Payload:   []byte("GC-EXAMPLE-0001-2345"),
		SourceTag: "sdk-example",
	})
	if err != nil {
		log.Fatalf("提交失败: %v", err)
	}
	fmt.Printf("已入库: id=%s stage=%s\n", created.ID, created.Stage)

	for i := 0; i < 10; i++ {
		record, err := client.Get(ctx, created.ID)
		if err != nil {
			log.Fatalf("查询失败: %v", err)
		}
		fmt.Printf("阶段: %s (风险分 %d, 估值 %.2f USD)\n", record.Stage, record.RiskScore, record.EstimatedValueUSD)
		if record.Stage == "rejected" || record.Stage == "vaulted" || record.Stage == "holding" {
			break
		}
		time.Sleep(2 * time.Second)
	}

	stats, err := client.Stats(ctx, custody.ListFilter{})
	if err != nil {
		log.Fatalf("统计失败: %v", err)
	}
	fmt.Printf("管道统计: 共 %d, 封存 %d, 拒绝 %d\n", stats.Total, stats.Vaulted, stats.Rejected)
}
