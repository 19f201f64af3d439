package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/synche-io/synche/internal/entry"
	"github.com/synche-io/synche/internal/events"
	"github.com/synche-io/synche/internal/peers"
	"github.com/synche-io/synche/internal/protocol"
	"github.com/synche-io/synche/internal/store"
	"github.com/synche-io/synche/internal/utils"
	"github.com/synche-io/synche/internal/vclock"
)

const announceBatchChunk = 256

// HandleHello answers a peer handshake (or re-advertisement) with the
// initial reconciliation batch: every non-tombstoned record for shared
// directories, plus tombstones whose vector names the peer (it may not have
// learned of the deletion yet).
func (e *Engine) HandleHello(s *peers.Session, hello *protocol.Hello) {
	shared := s.SharedDirectories(e.cfg.DirectoryNames())
	slog.Info("peer hello", "peer", s.PeerID, "shared", shared)

	items := make([]*protocol.Announce, 0, announceBatchChunk)
	flush := func() {
		if len(items) == 0 {
			return
		}
		s.SendAnnounceBatch(&protocol.AnnounceBatch{Items: items})
		items = make([]*protocol.Announce, 0, announceBatchChunk)
	}

	for _, dir := range shared {
		records, err := e.store.ListDir(dir)
		if err != nil {
			slog.Error("reconciliation list failed", "dir", dir, "error", err)
			continue
		}
		for _, rec := range records {
			if rec.Tombstone && rec.Version.Get(s.PeerID) == 0 {
				continue
			}
			d := e.dir(dir)
			if d != nil && d.filter.IsIgnored(rec.Path) {
				continue
			}
			items = append(items, protocol.AnnounceFromRecord(rec))
			if len(items) >= announceBatchChunk {
				flush()
			}
		}
	}
	flush()
}

// HandleAnnounce folds a peer's announce through the entry manager and
// drives the follow-up: content requests, sidecar propagation, or pushing
// our newer version back to a stale peer.
func (e *Engine) HandleAnnounce(s *peers.Session, ann *protocol.Announce) {
	d := e.dir(ann.Dir)
	if d == nil {
		// announces for directories we don't sync are dropped
		slog.Debug("announce for unsynced directory dropped", "peer", s.PeerID, "dir", ann.Dir)
		return
	}
	if d.filter.IsIgnored(ann.Path) {
		return
	}

	res, err := e.entries.ApplyRemote(ann)
	if err != nil {
		slog.Error("apply remote failed", "peer", s.PeerID, "dir", ann.Dir, "path", ann.Path, "error", err)
		return
	}

	switch res.Decision {
	case entry.NoOp:
		// a stale peer gets our newer version pushed back
		if res.Record != nil && vclock.Compare(res.Record.Version, ann.Version) == vclock.Greater {
			s.SendAnnounce(protocol.AnnounceFromRecord(res.Record))
		}

	case entry.Updated:
		if res.NeedsContent {
			s.SendRequest(&protocol.Request{Dir: ann.Dir, Path: ann.Path, Expected: ann.Version.Clone()})
			return
		}
		e.bus.Publish(events.EntryUpdated, map[string]any{"dir": ann.Dir, "path": ann.Path})

	case entry.Conflicted:
		e.handleConflictResult(s, ann, res)
	}
}

func (e *Engine) handleConflictResult(s *peers.Session, ann *protocol.Announce, res *entry.Result) {
	data := map[string]any{"dir": ann.Dir, "path": ann.Path}
	if res.Sidecar != nil {
		data["sidecar_path"] = res.Sidecar.Path
	}
	e.bus.Publish(events.ConflictCreated, data)
	slog.Warn("conflict", "dir", ann.Dir, "path", ann.Path, "peer", s.PeerID, "localPrimary", !res.NeedsContent)

	if res.Sidecar != nil {
		if res.SidecarLocal {
			// our bytes moved aside; let every peer learn the sidecar entry
			e.announce(res.Sidecar)
		} else {
			// the loser's bytes live on the origin peer; fetch them into the
			// sidecar once the peer has resolved symmetrically
			s.SendRequest(&protocol.Request{Dir: ann.Dir, Path: res.Sidecar.Path, Expected: res.Sidecar.Version.Clone()})
		}
	}

	if res.NeedsContent {
		// the winner's bytes are remote
		s.SendRequest(&protocol.Request{Dir: ann.Dir, Path: ann.Path, Expected: ann.Version.Clone()})
		return
	}

	// local content won with a merged vector; announce so the loser resolves
	e.announce(res.Record)
}

// HandleRequest serves an entry's content. Unknown or deleted paths answer
// with an announce of the current state instead.
func (e *Engine) HandleRequest(s *peers.Session, req *protocol.Request) {
	unknown := func() {
		s.SendAnnounce(&protocol.Announce{
			Dir:       req.Dir,
			Path:      req.Path,
			Kind:      store.KindFile,
			Version:   vclock.New(),
			Tombstone: true,
		})
	}

	if e.dir(req.Dir) == nil {
		unknown()
		return
	}

	rec, err := e.entries.Get(req.Dir, req.Path)
	if err != nil {
		slog.Error("request lookup failed", "dir", req.Dir, "path", req.Path, "error", err)
		return
	}
	if rec == nil {
		unknown()
		return
	}
	if rec.Tombstone || rec.Kind == store.KindDir {
		s.SendAnnounce(protocol.AnnounceFromRecord(rec))
		return
	}

	s.SendTransfer(&protocol.TransferHeader{
		Dir:     rec.Dir,
		Path:    rec.Path,
		Version: rec.Version.Clone(),
		Hash:    rec.Hash,
		Size:    rec.Size,
	}, e.absPath(rec.Dir, rec.Path))
}

// HandleTransfer streams an inbound payload into a staging file adjacent to
// the target, verifies the digest, and commits through the entry manager.
// The stage is discarded on any mismatch; the record is never mutated first.
func (e *Engine) HandleTransfer(s *peers.Session, hdr *protocol.TransferHeader, body io.Reader) error {
	d := e.dir(hdr.Dir)
	if d == nil || d.filter.IsIgnored(hdr.Path) {
		_, err := io.Copy(io.Discard, body)
		return err
	}

	abs := e.absPath(hdr.Dir, hdr.Path)
	if err := utils.EnsureParent(abs); err != nil {
		_, _ = io.Copy(io.Discard, body)
		return nil
	}

	stage := abs + ".synche-tmp-" + utils.TokenHex(4)
	f, err := os.Create(stage)
	if err != nil {
		slog.Error("stage create failed", "path", stage, "error", err)
		_, _ = io.Copy(io.Discard, body)
		return nil
	}

	hasher := sha256.New()
	n, copyErr := io.Copy(io.MultiWriter(f, hasher), body)
	syncErr := f.Sync()
	closeErr := f.Close()

	discard := func() {
		os.Remove(stage)
	}

	if copyErr != nil || n != hdr.Size {
		discard()
		return fmt.Errorf("short transfer: got %d of %d bytes: %w", n, hdr.Size, copyErr)
	}
	if syncErr != nil || closeErr != nil {
		discard()
		slog.Error("stage write failed", "path", stage, "syncErr", syncErr, "closeErr", closeErr)
		return nil
	}

	computed := hex.EncodeToString(hasher.Sum(nil))
	if computed != hdr.Hash {
		discard()
		slog.Warn("hash mismatch, discarding transfer", "dir", hdr.Dir, "path", hdr.Path, "peer", s.PeerID,
			"declared", hdr.Hash, "computed", computed)
		return nil
	}

	ann := &protocol.Announce{
		Dir:     hdr.Dir,
		Path:    hdr.Path,
		Kind:    store.KindFile,
		Version: hdr.Version,
		Hash:    hdr.Hash,
		Size:    hdr.Size,
		Origin:  s.PeerID,
	}

	res, err := e.entries.CommitTransfer(ann, stage)
	if err != nil {
		discard()
		slog.Error("transfer commit failed", "dir", hdr.Dir, "path", hdr.Path, "error", err)
		return nil
	}

	switch res.Decision {
	case entry.NoOp:
		// local record already holds this version or a later one, or won a
		// concurrent divergence as primary
		discard()
		return nil

	case entry.Conflicted:
		data := map[string]any{"dir": hdr.Dir, "path": hdr.Path}
		if res.Sidecar != nil {
			data["sidecar_path"] = res.Sidecar.Path
			e.announce(res.Sidecar)
		}
		e.bus.Publish(events.ConflictCreated, data)
	}

	e.bus.Publish(events.EntryUpdated, map[string]any{"dir": hdr.Dir, "path": hdr.Path})
	slog.Info("transfer committed", "dir", hdr.Dir, "path", hdr.Path, "peer", s.PeerID,
		"size", humanize.Bytes(uint64(hdr.Size)), "vv", res.Record.Version.String())

	s.SendAck(&protocol.Ack{Dir: hdr.Dir, Path: hdr.Path, Version: res.Record.Version.Clone()})
	return nil
}

// HandleAck records transfer confirmation; it carries no state transition.
func (e *Engine) HandleAck(s *peers.Session, ack *protocol.Ack) {
	slog.Debug("ack", "peer", s.PeerID, "dir", ack.Dir, "path", ack.Path, "vv", ack.Version.String())
}
