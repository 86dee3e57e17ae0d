package wire

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-shmipc/internal/shm"
)

func testArena(t *testing.T, channels, writers, bufSize int) *ResultSetArena {
	t.Helper()
	seg := testSegment(t, shm.Align(ArenaSize(channels, writers, bufSize)))
	return InitArena(seg, 0, channels, writers, bufSize)
}

func TestChannelRecordRoundTrip(t *testing.T) {
	a := testArena(t, 2, 2, 4096)
	ch, err := a.CreateChannel("resultset-1")
	require.NoError(t, err)

	found, ok := a.FindChannel("resultset-1")
	require.True(t, ok, "client should find the channel by name")
	assert.Equal(t, "resultset-1", found.Name())

	w, err := ch.AcquireWriter(far())
	require.NoError(t, err)
	require.NoError(t, w.Write([]byte("row_data_test"), far()))
	w.Commit()
	ch.ReleaseWriter(w)
	ch.SetEOR()

	reader, err := found.ActiveWire(far())
	require.NoError(t, err)
	require.NotNil(t, reader)
	chunk, remainder, err := reader.GetChunk(far())
	require.NoError(t, err)
	assert.Equal(t, "row_data_test", string(chunk)+string(remainder))
	require.NoError(t, reader.Dispose())

	// after EOR with everything drained, ActiveWire reports end of set
	reader, err = found.ActiveWire(far())
	require.NoError(t, err)
	assert.Nil(t, reader)
}

func TestRecordInvisibleBeforeCommit(t *testing.T) {
	a := testArena(t, 1, 1, 4096)
	ch, err := a.CreateChannel("rs")
	require.NoError(t, err)

	w, err := ch.AcquireWriter(far())
	require.NoError(t, err)
	require.NoError(t, w.Write([]byte("uncommitted"), far()))

	_, err = ch.ActiveWire(time.Now().Add(100 * time.Millisecond))
	assert.Equal(t, ErrTimeout, err, "uncommitted bytes must stay invisible")

	w.Commit()
	reader, err := ch.ActiveWire(far())
	require.NoError(t, err)
	require.NotNil(t, reader)
	chunk, remainder, err := reader.GetChunk(far())
	require.NoError(t, err)
	assert.Equal(t, "uncommitted", string(chunk)+string(remainder))
	require.NoError(t, reader.Dispose())
}

func TestChunkWrapAroundRemainder(t *testing.T) {
	// 100-byte records into a 256-byte slot ring: the third record
	// straddles the capacity boundary and must arrive via the remainder
	a := testArena(t, 1, 1, 256)
	ch, err := a.CreateChannel("rs")
	require.NoError(t, err)

	w, err := ch.AcquireWriter(far())
	require.NoError(t, err)

	expected := make([][]byte, 5)
	done := make(chan error, 1)
	go func() {
		for i := range expected {
			rec := bytes.Repeat([]byte{byte('a' + i)}, 100)
			if err := w.Write(rec, far()); err != nil {
				done <- err
				return
			}
			w.Commit()
		}
		done <- nil
	}()

	for i := range expected {
		reader, err := ch.ActiveWire(far())
		require.NoError(t, err)
		require.NotNil(t, reader)
		chunk, remainder, err := reader.GetChunk(far())
		require.NoError(t, err)
		got := append(append([]byte{}, chunk...), remainder...)
		want := bytes.Repeat([]byte{byte('a' + i)}, 100)
		require.Equal(t, want, got, "record %d", i)
		require.NoError(t, reader.Dispose())
	}
	require.NoError(t, <-done)
}

func TestWriterSlotExhaustion(t *testing.T) {
	a := testArena(t, 1, 2, 1024)
	ch, err := a.CreateChannel("rs")
	require.NoError(t, err)

	w1, err := ch.AcquireWriter(far())
	require.NoError(t, err)
	w2, err := ch.AcquireWriter(far())
	require.NoError(t, err)

	// all slots taken: the next acquire times out
	_, err = ch.AcquireWriter(time.Now().Add(100 * time.Millisecond))
	assert.Equal(t, ErrNoFreeWriter, err)

	// a release unblocks a waiting acquire
	acquired := make(chan error, 1)
	go func() {
		_, err := ch.AcquireWriter(time.Now().Add(2 * time.Second))
		acquired <- err
	}()
	time.Sleep(20 * time.Millisecond)
	ch.ReleaseWriter(w1)
	assert.NoError(t, <-acquired)

	ch.ReleaseWriter(w2)
}

func TestWriterOrderingWithinSlot(t *testing.T) {
	a := testArena(t, 1, 2, 4096)
	ch, err := a.CreateChannel("rs")
	require.NoError(t, err)

	w, err := ch.AcquireWriter(far())
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		require.NoError(t, w.Write([]byte{byte(i)}, far()))
		w.Commit()
	}
	ch.ReleaseWriter(w)
	ch.SetEOR()

	// one writer's records arrive in FIFO order
	for i := 0; i < 10; i++ {
		reader, err := ch.ActiveWire(far())
		require.NoError(t, err)
		require.NotNil(t, reader)
		chunk, remainder, err := reader.GetChunk(far())
		require.NoError(t, err)
		require.Len(t, remainder, 0)
		require.Equal(t, []byte{byte(i)}, chunk)
		require.NoError(t, reader.Dispose())
	}
}

func TestGetChunkRequiresDispose(t *testing.T) {
	a := testArena(t, 1, 1, 1024)
	ch, err := a.CreateChannel("rs")
	require.NoError(t, err)

	w, err := ch.AcquireWriter(far())
	require.NoError(t, err)
	require.NoError(t, w.Write([]byte("x"), far()))
	w.Commit()
	require.NoError(t, w.Write([]byte("y"), far()))
	w.Commit()

	reader, err := ch.ActiveWire(far())
	require.NoError(t, err)
	_, _, err = reader.GetChunk(far())
	require.NoError(t, err)

	// a second GetChunk without Dispose is a protocol violation
	_, _, err = reader.GetChunk(far())
	assert.Equal(t, ErrProtocol, err)

	require.NoError(t, reader.Dispose())
	assert.Equal(t, ErrProtocol, reader.Dispose(), "double dispose is rejected")
}

func TestSetClosedReleasesWriter(t *testing.T) {
	a := testArena(t, 1, 1, 128)
	ch, err := a.CreateChannel("rs")
	require.NoError(t, err)

	w, err := ch.AcquireWriter(far())
	require.NoError(t, err)

	// fill the slot ring so the writer parks, then close from the
	// consumer side
	blocked := make(chan error, 1)
	go func() {
		for {
			if err := w.Write(bytes.Repeat([]byte{1}, 64), time.Now().Add(2*time.Second)); err != nil {
				blocked <- err
				return
			}
			w.Commit()
		}
	}()
	time.Sleep(50 * time.Millisecond)
	ch.SetClosed()
	assert.Equal(t, ErrClosed, <-blocked)
	assert.True(t, ch.IsClosed())
}

func TestChannelDirectoryExhaustion(t *testing.T) {
	a := testArena(t, 2, 1, 1024)
	_, err := a.CreateChannel("one")
	require.NoError(t, err)
	_, err = a.CreateChannel("two")
	require.NoError(t, err)
	_, err = a.CreateChannel("three")
	assert.Equal(t, ErrNoFreeChannel, err)
}

func TestChannelFreeAllowsReuse(t *testing.T) {
	a := testArena(t, 1, 1, 1024)
	ch, err := a.CreateChannel("first")
	require.NoError(t, err)
	ch.SetEOR()
	ch.Free()

	reused, err := a.CreateChannel("second")
	require.NoError(t, err)
	assert.Equal(t, "second", reused.Name())
	assert.False(t, reused.IsEOR(), "flags must be reset on reuse")

	_, ok := a.FindChannel("first")
	assert.False(t, ok)
}
