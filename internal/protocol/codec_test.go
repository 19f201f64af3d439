package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synche-io/synche/internal/store"
	"github.com/synche-io/synche/internal/vclock"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	ann := &Announce{
		Dir:     "proj",
		Path:    "src/a.txt",
		Kind:    store.KindFile,
		Version: vclock.Clock{"p1": 2, "p2": 1},
		Hash:    "deadbeef",
		Size:    12,
	}
	require.NoError(t, WriteFrame(&buf, MsgAnnounce, ann))

	typ, raw, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, MsgAnnounce, typ)

	got, err := Decode[Announce](raw)
	require.NoError(t, err)
	assert.Equal(t, ann.Dir, got.Dir)
	assert.Equal(t, ann.Path, got.Path)
	assert.Equal(t, ann.Kind, got.Kind)
	assert.Equal(t, ann.Hash, got.Hash)
	assert.Equal(t, vclock.Equal, vclock.Compare(ann.Version, got.Version))
	assert.Empty(t, got.Origin, "origin must not travel on the wire")
}

func TestFrameSequence(t *testing.T) {
	var buf bytes.Buffer

	require.NoError(t, WriteFrame(&buf, MsgHello, &Hello{PeerID: "p1", Directories: []string{"proj"}}))
	require.NoError(t, WriteFrame(&buf, MsgRequest, &Request{Dir: "proj", Path: "a.txt", Expected: vclock.Clock{"p1": 1}}))

	typ, raw, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, MsgHello, typ)
	hello, err := Decode[Hello](raw)
	require.NoError(t, err)
	assert.Equal(t, "p1", hello.PeerID)

	typ, raw, err = ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, MsgRequest, typ)
	req, err := Decode[Request](raw)
	require.NoError(t, err)
	assert.Equal(t, "a.txt", req.Path)
}

func TestReadFrameRejectsBadMagic(t *testing.T) {
	frame := []byte{0, 0, 0, 4, 'X', 'X', 1, byte(MsgHello)}

	_, _, err := ReadFrame(bytes.NewReader(frame))
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestReadFrameRejectsBadVersion(t *testing.T) {
	frame := []byte{0, 0, 0, 4, 'S', 'Y', 99, byte(MsgHello)}

	_, _, err := ReadFrame(bytes.NewReader(frame))
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var head [4]byte
	binary.BigEndian.PutUint32(head[:], MaxFrameSize+1)

	_, _, err := ReadFrame(bytes.NewReader(head[:]))
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestAnnounceRecordRoundTrip(t *testing.T) {
	rec := &store.EntryRecord{
		Dir:     "proj",
		Path:    "a.txt",
		Kind:    store.KindFile,
		Version: vclock.Clock{"p1": 1},
		Hash:    "h",
		Size:    5,
	}

	back := AnnounceFromRecord(rec).Record()
	assert.Equal(t, rec.Dir, back.Dir)
	assert.Equal(t, rec.Hash, back.Hash)
	assert.Equal(t, vclock.Equal, vclock.Compare(rec.Version, back.Version))

	// announce carries an independent clock
	back.Version.Bump("p9")
	assert.Equal(t, uint64(0), rec.Version.Get("p9"))
}
