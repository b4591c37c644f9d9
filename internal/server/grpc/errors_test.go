package grpc

import (
	"errors"
	"fmt"
	"testing"

	"github.com/dmitrijs2005/filedrop/internal/common"
	"github.com/dmitrijs2005/filedrop/internal/server/notify"
	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestToStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"nil", nil, codes.OK},
		{"not found", fmt.Errorf("file: %w", common.ErrorNotFound), codes.NotFound},
		{"invalid share", common.ErrInvalidShareRequest, codes.InvalidArgument},
		{"invalid schedule", fmt.Errorf("%w: bad", common.ErrInvalidSchedule), codes.InvalidArgument},
		{"sink", fmt.Errorf("%w: email", notify.ErrSinkNotConfigured), codes.InvalidArgument},
		{"forbidden", common.ErrForbidden, codes.PermissionDenied},
		{"other", errors.New("disk on fire"), codes.Internal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, status.Code(toStatus(tt.err)))
		})
	}
}

func TestToStatus_InternalHidesDetail(t *testing.T) {
	err := toStatus(errors.New("dsn=postgres://admin:pw@db"))
	assert.Equal(t, "internal error", status.Convert(err).Message())
}
