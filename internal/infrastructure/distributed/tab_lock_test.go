package distributed

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalTabLocker(t *testing.T) {
	ctx := context.Background()
	locker := NewLocalTabLocker()

	unlock, err := locker.LockTab(ctx, "7", 0)
	require.NoError(t, err)

	_, err = locker.LockTab(ctx, "7", 0)
	assert.Error(t, err)

	other, err := locker.LockTab(ctx, "8", 0)
	require.NoError(t, err)
	other()

	unlock()
	unlock()

	again, err := locker.LockTab(ctx, "7", 0)
	require.NoError(t, err)
	again()
}

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{name: "quality alert", payload: `{"type":"quality.alert","instance_id":"a","tab_id":"7"}`},
		{name: "missing type", payload: `{"instance_id":"a"}`, wantErr: true},
		{name: "garbage", payload: `not json`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, err := decodeEvent(tt.payload)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, EventQualityAlert, event.Type)
		})
	}
}
