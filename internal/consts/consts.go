package consts

const (
	// RequestId 请求id名称
	RequestId   = "request_id"
	Operator    = "operator"
	JWTTokenCtx = "token_ctx"
	ClaimsCtx   = "claims_ctx"

	TimeLayout   = "2006-01-02 15:04:05"
	TimeLayoutMs = "2006-01-02 15:04:05.000"
)

const (
	// 仓位快照 stakeflow:position:<chain>
	PositionSnapshotPrefix = "stakeflow:position:"
)
