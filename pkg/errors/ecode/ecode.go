package ecode

// 错误码定义，0表示成功
const (
	Success = 0

	// 通用错误
	UnknownErr      = 10000
	ParamErr        = 10001
	RequireAuthErr  = 10002
	NotFoundErr     = 10004
	TooManyRequests = 10005

	// 质押业务错误
	ValidationErr       = 20001
	ConflictErr         = 20002
	UnsupportedErr      = 20003
	SubmitErr           = 20004
	ConfirmationTimeout = 20005
	RevertedErr         = 20006
	ReadErr             = 20007
)
