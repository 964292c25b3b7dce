//go:build !linux && !darwin

package cancel

import "errors"

func enableCbreak(int) (func() error, error) {
	return nil, errors.ErrUnsupported
}
