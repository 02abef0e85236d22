package dconn_test

import (
	"testing"

	"github.com/gordian-engine/tether/dconn"
	"github.com/stretchr/testify/require"
)

func TestType_parseRoundTrip(t *testing.T) {
	t.Parallel()

	for _, ct := range []dconn.Type{
		dconn.StructuredType, dconn.ShortcutType, dconn.LeafType, dconn.UnstructuredType,
	} {
		require.True(t, ct.Valid())

		got, err := dconn.ParseType(ct.String())
		require.NoError(t, err)
		require.Equal(t, ct, got)
	}

	require.False(t, dconn.InvalidType.Valid())
	require.Equal(t, "Type(200)", dconn.Type(200).String())

	_, err := dconn.ParseType("bogus")
	require.Error(t, err)
}

func TestChangeStream_Publish(t *testing.T) {
	t.Parallel()

	head := dconn.NewChangeStream()
	next := head.Publish(dconn.Change{Adding: true, Conn: dconn.Connection{Type: dconn.LeafType}})

	select {
	case <-head.Ready:
	default:
		t.Fatal("head should be ready after publish")
	}

	require.Same(t, head.Next, next)
	require.True(t, head.Val.Adding)
	require.Equal(t, dconn.LeafType, head.Val.Conn.Type)

	require.Panics(t, func() {
		head.Publish(dconn.Change{})
	})
}
