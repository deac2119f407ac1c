package staking

import (
	stderrors "errors"

	"stakeflow/internal/position"
	"stakeflow/pkg/errors"
	"stakeflow/pkg/errors/ecode"
)

// 编排层的错误转换为带错误码的响应
func toApiErr(err error) error {
	if err == nil {
		return nil
	}
	var (
		validation  *position.ValidationError
		conflict    *position.ConflictError
		unsupported *position.UnsupportedOperationError
		submit      *position.SubmitError
		timeout     *position.ConfirmationTimeoutError
		reverted    *position.RevertedError
		read        *position.ReadError
	)
	switch {
	case stderrors.As(err, &validation):
		return errors.Wrap(err, ecode.ValidationErr, "invalid request")
	case stderrors.As(err, &conflict):
		return errors.Wrap(err, ecode.ConflictErr, "operation in progress")
	case stderrors.As(err, &unsupported):
		return errors.Wrap(err, ecode.UnsupportedErr, "operation not supported")
	case stderrors.As(err, &submit):
		return errors.Wrap(err, ecode.SubmitErr, "submit failed")
	case stderrors.As(err, &timeout):
		return errors.Wrap(err, ecode.ConfirmationTimeout, "confirmation timeout")
	case stderrors.As(err, &reverted):
		return errors.Wrap(err, ecode.RevertedErr, "transaction reverted")
	case stderrors.As(err, &read):
		return errors.Wrap(err, ecode.ReadErr, "chain read failed")
	}
	return errors.Wrap(err, ecode.UnknownErr, "接口调用失败")
}
