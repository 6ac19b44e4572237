package asynqq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLaunchRetryDelay(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 5*time.Second, launchRetryDelay(0, nil, nil))
	assert.Equal(t, 10*time.Second, launchRetryDelay(1, nil, nil))
	assert.Equal(t, 20*time.Second, launchRetryDelay(2, nil, nil))
}
