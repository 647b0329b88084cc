// Package api exposes the REST surface of the custody pipeline: asset
// intake, record inspection, cashout approvals and execution, operator
// hold release, and pipeline statistics. All mutating endpoints are
// guarded by the operator authentication middleware.
package api
