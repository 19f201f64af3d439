// Package protocol defines the framed TCP wire format spoken between peers:
// length-prefixed msgpack envelopes, with transfer payloads streamed raw
// after their header frame.
package protocol

import (
	"fmt"

	"github.com/synche-io/synche/internal/store"
	"github.com/synche-io/synche/internal/vclock"
)

type MsgType uint8

const (
	MsgHello MsgType = iota + 1
	MsgAnnounce
	MsgAnnounceBatch
	MsgRequest
	MsgTransfer
	MsgAck
)

func (t MsgType) String() string {
	switch t {
	case MsgHello:
		return "hello"
	case MsgAnnounce:
		return "announce"
	case MsgAnnounceBatch:
		return "announce_batch"
	case MsgRequest:
		return "request"
	case MsgTransfer:
		return "transfer"
	case MsgAck:
		return "ack"
	default:
		return fmt.Sprintf("msg(%d)", uint8(t))
	}
}

// Hello is exchanged once after connect, in both directions.
type Hello struct {
	PeerID      string   `msgpack:"pid"`
	Directories []string `msgpack:"dirs"`
}

// Announce declares the current version of one entry.
type Announce struct {
	Dir       string          `msgpack:"dir"`
	Path      string          `msgpack:"path"`
	Kind      store.EntryKind `msgpack:"kind"`
	Version   vclock.Clock    `msgpack:"vv"`
	Hash      string          `msgpack:"hash"`
	Size      int64           `msgpack:"size"`
	Tombstone bool            `msgpack:"tomb"`

	// Origin is the peer the announce arrived from; set by the receiver,
	// never on the wire.
	Origin string `msgpack:"-"`
}

// AnnounceBatch carries the initial reconciliation set after Hello.
type AnnounceBatch struct {
	Items []*Announce `msgpack:"items"`
}

// Request asks the peer to transfer the entry's content.
type Request struct {
	Dir      string       `msgpack:"dir"`
	Path     string       `msgpack:"path"`
	Expected vclock.Clock `msgpack:"vv"`
}

// TransferHeader precedes exactly Size raw payload bytes on the wire.
type TransferHeader struct {
	Dir     string       `msgpack:"dir"`
	Path    string       `msgpack:"path"`
	Version vclock.Clock `msgpack:"vv"`
	Hash    string       `msgpack:"hash"`
	Size    int64        `msgpack:"size"`
}

// Ack confirms a committed transfer.
type Ack struct {
	Dir     string       `msgpack:"dir"`
	Path    string       `msgpack:"path"`
	Version vclock.Clock `msgpack:"vv"`
}

// AnnounceFromRecord builds the wire view of a record.
func AnnounceFromRecord(rec *store.EntryRecord) *Announce {
	return &Announce{
		Dir:       rec.Dir,
		Path:      rec.Path,
		Kind:      rec.Kind,
		Version:   rec.Version.Clone(),
		Hash:      rec.Hash,
		Size:      rec.Size,
		Tombstone: rec.Tombstone,
	}
}

// Record converts an announce back into an entry record.
func (a *Announce) Record() *store.EntryRecord {
	return &store.EntryRecord{
		Dir:       a.Dir,
		Path:      a.Path,
		Kind:      a.Kind,
		Version:   a.Version.Clone(),
		Hash:      a.Hash,
		Size:      a.Size,
		Tombstone: a.Tombstone,
	}
}
