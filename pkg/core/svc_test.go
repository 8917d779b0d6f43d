package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceNew(t *testing.T) {
	_, store := setupStore(t)

	factory := &fakeFactory{}
	svc := New(&Config{}, store, factory.create)

	require.NotNil(t, svc)
	assert.NotNil(t, svc.controller)
}

func TestServiceRunStoreUnreachable(t *testing.T) {
	mr, store := setupStore(t)

	mr.Close()

	factory := &fakeFactory{}
	svc := New(&Config{ReadBlock: 20 * time.Millisecond}, store, factory.create)

	err := svc.Run(context.Background())
	assert.ErrorContains(t, err, "failed to set up control stream")
}
