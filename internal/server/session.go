// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package server implements the n-sync server: the session state
// machine that reconciles a client's snapshot against a repository, and
// the TLS listener that dispatches one session per connection.
package server

import (
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/nishisan-dev/n-sync/internal/merge"
	"github.com/nishisan-dev/n-sync/internal/protocol"
	"github.com/nishisan-dev/n-sync/internal/repo"
	"github.com/nishisan-dev/n-sync/internal/server/observability"
)

// Session drives one sync conversation over a Channel against a
// Repository, following AwaitSync → LoadIndices → AwaitMeta →
// FetchMissing → Reconcile → PushUpdate → AwaitQuit → Done.
type Session struct {
	repo    *repo.Repository
	ch      *protocol.Channel
	logger  *slog.Logger
	events  *observability.EventRing
	id      string
}

// NewSession returns a Session for one connection.
func NewSession(id string, r *repo.Repository, ch *protocol.Channel, logger *slog.Logger, events *observability.EventRing) *Session {
	return &Session{id: id, repo: r, ch: ch, logger: logger, events: events}
}

// Run executes the full session. Any error or panic is converted into
// an error(report) frame sent to the peer before Run returns, mirroring
// the original's try_except_send_remote: the session never leaves the
// repository in an inconsistent state (version files are written only
// after the merge has fully succeeded, via temp+rename).
func (s *Session) Run() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v\n%s", protocol.ErrProtocolError, r, debug.Stack())
		}
		if err != nil {
			s.logger.Error("session failed", "session", s.id, "error", err)
			if sendErr := s.ch.SendError(err.Error()); sendErr != nil {
				s.logger.Error("failed to report error to peer", "session", s.id, "error", sendErr)
			}
			s.logEvent("error", err.Error())
		}
	}()

	base, err := s.awaitSync()
	if err != nil {
		return err
	}

	latest, serverBag, oldBag, remoteOutdated, err := s.loadIndices(base)
	if err != nil {
		return err
	}

	clientBag, err := s.awaitMeta()
	if err != nil {
		return err
	}

	if err := s.fetchMissing(clientBag); err != nil {
		return err
	}

	currentVersion, newServerBag, err := s.reconcile(latest, oldBag, clientBag, serverBag, remoteOutdated)
	if err != nil {
		return err
	}

	if err := s.pushUpdate(clientBag, newServerBag); err != nil {
		return err
	}

	if err := s.ch.Send(protocol.SyncCompleteFrame(uint64(currentVersion))); err != nil {
		return err
	}
	if err := s.ch.Send(protocol.CommitDiffFrame(diffAdded(clientBag, newServerBag), diffRemoved(clientBag, newServerBag))); err != nil {
		return err
	}

	if err := s.awaitQuit(); err != nil {
		return err
	}
	s.logEvent("info", fmt.Sprintf("sync complete at version %d", currentVersion))
	return s.ch.Send(protocol.ByeFrame())
}

func (s *Session) awaitSync() (uint64, error) {
	f, err := s.ch.Recv()
	if err != nil {
		return 0, err
	}
	if f.Tag != protocol.TagSync {
		return 0, fmt.Errorf("%w: expected sync, got %s", protocol.ErrProtocolError, f.Tag)
	}
	return f.Sync, nil
}

func (s *Session) loadIndices(base uint64) (latest int, serverBag, oldBag []protocol.FileItem, remoteOutdated bool, err error) {
	latest, err = s.repo.LatestVersion()
	if err != nil {
		return 0, nil, nil, false, err
	}
	serverBag, err = s.repo.ReadVersion(latest)
	if err != nil {
		return 0, nil, nil, false, err
	}

	if int(base) == latest {
		oldBag = serverBag
	} else {
		remoteOutdated = true
		oldBag, err = s.repo.ReadVersion(int(base))
		if err != nil {
			return 0, nil, nil, false, err
		}
	}

	if err := s.ch.Send(protocol.WaitingForFilesFrame()); err != nil {
		return 0, nil, nil, false, err
	}
	return latest, serverBag, oldBag, remoteOutdated, nil
}

func (s *Session) awaitMeta() ([]protocol.FileItem, error) {
	seen := make(map[string]bool)
	var bag []protocol.FileItem
	for {
		f, err := s.ch.Recv()
		if err != nil {
			return nil, err
		}
		if f.Tag == protocol.TagDone {
			return bag, nil
		}
		if f.Tag != protocol.TagFileMeta {
			return nil, fmt.Errorf("%w: expected file_meta or done, got %s", protocol.ErrProtocolError, f.Tag)
		}
		if err := protocol.ValidatePath(f.FileMeta.Path); err != nil {
			return nil, err
		}
		if seen[f.FileMeta.Path] {
			return nil, fmt.Errorf("%w: duplicate path %q in client bag", protocol.ErrInvariantViolation, f.FileMeta.Path)
		}
		seen[f.FileMeta.Path] = true
		bag = append(bag, f.FileMeta)
	}
}

func (s *Session) fetchMissing(clientBag []protocol.FileItem) error {
	for _, item := range clientBag {
		has, err := s.repo.Contains(item.Checksum)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if err := s.ch.Send(protocol.DataFrame(item.Checksum)); err != nil {
			return err
		}

		w, err := s.repo.WriteBlob()
		if err != nil {
			return err
		}
		if err := s.ch.RecvFile(w, nil); err != nil {
			w.Abort()
			return err
		}
		if _, err := s.repo.CommitBlob(w, item.Checksum); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) reconcile(latest int, oldBag, clientBag, serverBag []protocol.FileItem, remoteOutdated bool) (int, []protocol.FileItem, error) {
	if !remoteOutdated {
		if sameBag(serverBag, clientBag) {
			return latest, serverBag, nil
		}
		newVersion := latest + 1
		if err := s.repo.WriteVersion(newVersion, clientBag); err != nil {
			return 0, nil, err
		}
		return newVersion, clientBag, nil
	}

	if sameBag(oldBag, clientBag) {
		return latest, serverBag, nil
	}

	result, err := merge.Merge(oldBag, clientBag, serverBag)
	if err != nil {
		return 0, nil, err
	}
	merge.ResolveConflicts(result.Tree, result.Conflict)

	newServerBag := make([]protocol.FileItem, 0, len(result.Tree))
	for _, item := range result.Tree {
		newServerBag = append(newServerBag, item)
	}

	newVersion := latest + 1
	if err := s.repo.WriteVersion(newVersion, newServerBag); err != nil {
		return 0, nil, err
	}
	return newVersion, newServerBag, nil
}

// pushUpdate tells the client to remove every item present in clientBag
// but absent (by full identity) from newServerBag, then delivers every
// item present in newServerBag but absent from clientBag — the set
// differences client_bag - new_server_bag and new_server_bag -
// client_bag from the original server_sync. Both sides are emitted in
// ascending path order via repo.SortedPaths so frame order is
// deterministic across runs.
func (s *Session) pushUpdate(clientBag, newServerBag []protocol.FileItem) error {
	newSet := itemSet(newServerBag)
	clientByPath := make(map[string]protocol.FileItem, len(clientBag))
	for _, item := range clientBag {
		clientByPath[item.Path] = item
	}
	for _, path := range repo.SortedPaths(clientBag) {
		item := clientByPath[path]
		if !newSet[item] {
			if err := s.ch.Send(protocol.FileRemoveFrame(item)); err != nil {
				return err
			}
		}
	}

	clientSet := itemSet(clientBag)
	serverByPath := make(map[string]protocol.FileItem, len(newServerBag))
	for _, item := range newServerBag {
		serverByPath[item.Path] = item
	}
	for _, path := range repo.SortedPaths(newServerBag) {
		item := serverByPath[path]
		if clientSet[item] {
			continue
		}
		if err := s.ch.Send(protocol.FileBeginFrame(item)); err != nil {
			return err
		}
		rc, err := s.repo.ReadBlob(item.Checksum)
		if err != nil {
			return err
		}
		err = s.ch.SendFile(rc, nil)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func itemSet(items []protocol.FileItem) map[protocol.FileItem]bool {
	set := make(map[protocol.FileItem]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}

func (s *Session) awaitQuit() error {
	f, err := s.ch.Recv()
	if err != nil {
		return err
	}
	if f.Tag != protocol.TagQuit {
		return fmt.Errorf("%w: expected quit, got %s", protocol.ErrProtocolError, f.Tag)
	}
	return nil
}

func (s *Session) logEvent(level, message string) {
	if s.events == nil {
		return
	}
	s.events.PushEvent(level, "sync_session", s.id, message, 0)
}

// sameBag reports whether a and b are equal as sets of FileItems
// (path, checksum, size) — the "old_bag == client_bag" / "server_bag ==
// client_bag" comparisons from the original server_sync.
func sameBag(a, b []protocol.FileItem) bool {
	if len(a) != len(b) {
		return false
	}
	aSet := itemSet(a)
	for _, item := range b {
		if !aSet[item] {
			return false
		}
	}
	return true
}

func diffAdded(oldBag, newBag []protocol.FileItem) []protocol.FileItem {
	oldSet := itemSet(oldBag)
	var added []protocol.FileItem
	for _, item := range newBag {
		if !oldSet[item] {
			added = append(added, item)
		}
	}
	return added
}

func diffRemoved(oldBag, newBag []protocol.FileItem) []protocol.FileItem {
	newSet := itemSet(newBag)
	var removed []protocol.FileItem
	for _, item := range oldBag {
		if !newSet[item] {
			removed = append(removed, item)
		}
	}
	return removed
}
