package message

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	for name, expect := range map[string]Status{
		"R":        Received,
		"S":        Sent,
		"Q":        Queued,
		"RECEIVED": Received,
		"FILTERED": Filtered,
		"SENT":     Sent,
		"ERROR":    Error,
		"PENDING":  Pending,
	} {
		var status, err = ParseStatus(name)
		require.NoError(t, err, name)
		require.Equal(t, expect, status, name)
	}

	for _, name := range []string{"", "X", "BOGUS", "sent"} {
		var _, err = ParseStatus(name)
		require.Error(t, err, name)
	}
}

func TestStatusTerminality(t *testing.T) {
	require.True(t, Sent.IsTerminal())
	require.True(t, Filtered.IsTerminal())
	require.True(t, Error.IsTerminal())
	require.False(t, Received.IsTerminal())
	require.False(t, Transformed.IsTerminal())
	require.False(t, Queued.IsTerminal())
	require.False(t, Pending.IsTerminal())
}

func TestContentTypeCodes(t *testing.T) {
	// Codes are persisted; they must stay stable.
	require.Equal(t, 1, int(ContentRaw))
	require.Equal(t, 4, int(ContentEncoded))
	require.Equal(t, 6, int(ContentResponse))
	require.Equal(t, 11, int(ContentSourceMap))
	require.Equal(t, 15, int(ContentResponseError))

	require.Equal(t, "RAW", ContentRaw.String())
	require.Equal(t, "PROCESSED_RESPONSE", ContentProcessedResponse.String())

	var all = AllContentTypes()
	require.Len(t, all, 15)
	for _, ct := range all {
		parsed, err := ParseContentType(ct.String())
		require.NoError(t, err)
		require.Equal(t, ct, parsed)
	}

	var _, err = ParseContentType("raw")
	require.Error(t, err)
}

func TestCopyMap(t *testing.T) {
	require.NotNil(t, CopyMap(nil))

	var src = map[string]interface{}{"a": 1}
	var dup = CopyMap(src)
	dup["b"] = 2
	require.Len(t, src, 1)
	require.Equal(t, 1, dup["a"])
}

func TestSyncMap(t *testing.T) {
	var m = NewSyncMap()
	m.Put("mrn", "12345")

	v, ok := m.Get("mrn")
	require.True(t, ok)
	require.Equal(t, "12345", v)

	var snap = m.Snapshot()
	m.Put("mrn", "67890")
	require.Equal(t, "12345", snap["mrn"])

	m.Delete("mrn")
	_, ok = m.Get("mrn")
	require.False(t, ok)

	m.Replace(map[string]interface{}{"x": true})
	_, ok = m.Get("x")
	require.True(t, ok)
}

func TestSyncMapConcurrency(t *testing.T) {
	var m = NewSyncMap()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Put("key", n)
				m.Get("key")
				m.Snapshot()
			}
		}(i)
	}
	wg.Wait()
	var _, ok = m.Get("key")
	require.True(t, ok)
}

func TestGlobalChannelMaps(t *testing.T) {
	var maps = NewMaps()
	var a = maps.GlobalChannel("chan-a")
	a.Put("seen", true)

	// Same channel returns the same map; another channel is isolated.
	v, ok := maps.GlobalChannel("chan-a").Get("seen")
	require.True(t, ok)
	require.Equal(t, true, v)
	_, ok = maps.GlobalChannel("chan-b").Get("seen")
	require.False(t, ok)

	maps.ReleaseChannel("chan-a")
	_, ok = maps.GlobalChannel("chan-a").Get("seen")
	require.False(t, ok)
}
