package fsm

import (
	"code.vita-gw.org/keymgr/internal/utils"
)

func newError(msg string, args ...any) error {
	return utils.NewError(1, nil, msg, args...)
}
