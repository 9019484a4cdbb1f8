package call

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/parley/internal/proto"
)

func TestPionOfferMediaLines(t *testing.T) {
	voice, err := NewPionMedia(PionConfig{}, "call-v", proto.CallVoice, nil)
	require.NoError(t, err)
	defer voice.Close()
	sdp, err := voice.CreateOffer(context.Background())
	require.NoError(t, err)
	assert.Contains(t, sdp, "m=audio")
	assert.NotContains(t, sdp, "m=video")

	video, err := NewPionMedia(PionConfig{}, "call-x", proto.CallVideo, nil)
	require.NoError(t, err)
	defer video.Close()
	sdp, err = video.CreateOffer(context.Background())
	require.NoError(t, err)
	assert.Contains(t, sdp, "m=audio")
	assert.Contains(t, sdp, "m=video")
}

func TestPionOfferCancelledContext(t *testing.T) {
	m, err := NewPionMedia(PionConfig{}, "call-c", proto.CallVoice, nil)
	require.NoError(t, err)
	defer m.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.CreateOffer(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
