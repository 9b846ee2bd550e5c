package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mdcn/internal/domain"
	"mdcn/internal/routing"
)

func TestParseReplyTo(t *testing.T) {
	ref, err := parseReplyTo("CMD:7")
	require.NoError(t, err)
	assert.Equal(t, domain.ThreadRef{Kind: domain.KindCommand, ParentID: 7}, ref)

	ref, err = parseReplyTo("intel:#3")
	require.NoError(t, err)
	assert.Equal(t, domain.ThreadRef{Kind: domain.KindIntelligence, ParentID: 3}, ref)

	_, err = parseReplyTo("maintenance:1")
	assert.Error(t, err)
	_, err = parseReplyTo("CMD")
	assert.Error(t, err)
}

func TestDestinationFromFlags(t *testing.T) {
	d, err := destinationFromFlags("0xabc", "", domain.GroupNone, domain.BranchNone)
	require.NoError(t, err)
	assert.Equal(t, routing.Direct{Identity: "0xabc"}, d)

	d, err = destinationFromFlags("", "", domain.GroupTacticalCommand, domain.BranchNavy)
	require.NoError(t, err)
	assert.Equal(t, routing.LegacyGroup{Group: domain.GroupTacticalCommand, Branch: domain.BranchNavy}, d)

	d, err = destinationFromFlags("", "admins", domain.GroupNone, domain.BranchNone)
	require.NoError(t, err)
	assert.Equal(t, routing.BroadcastAdmins{}, d)

	d, err = destinationFromFlags("", "", domain.GroupNone, domain.BranchNone)
	require.NoError(t, err)
	assert.Nil(t, d)

	_, err = destinationFromFlags("0xabc", "subordinates", domain.GroupNone, domain.BranchNone)
	assert.Error(t, err)
	_, err = destinationFromFlags("", "everyone", domain.GroupNone, domain.BranchNone)
	assert.Error(t, err)
}
