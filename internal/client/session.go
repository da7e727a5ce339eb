// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package client

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/nishisan-dev/n-sync/internal/protocol"
)

// Session drives one sync conversation against the server, mirroring
// the original ClientRepo: send_local_status → receive_remote_update →
// quit/bye, with the session's base version tracked across runs.
type Session struct {
	root string
	ch   *protocol.Channel

	// Progress, when non-nil, is fed byte/object counters as the
	// session uploads and downloads file content.
	Progress *ProgressReporter
}

// NewSession returns a Session for one connection rooted at root.
func NewSession(root string, ch *protocol.Channel) *Session {
	return &Session{root: root, ch: ch}
}

// Run executes a full sync starting from lastSync and returns the new
// base version and the server's reported diff, to persist and report
// for the next run.
func (s *Session) Run(lastSync uint64, localBag []protocol.FileItem) (uint64, protocol.CommitDiff, error) {
	if err := s.ch.Send(protocol.SyncFrame(lastSync)); err != nil {
		return 0, protocol.CommitDiff{}, err
	}

	f, err := s.ch.Recv()
	if err != nil {
		return 0, protocol.CommitDiff{}, err
	}
	if f.Tag != protocol.TagWaitingForFiles {
		return 0, protocol.CommitDiff{}, fmt.Errorf("%w: expected waiting_for_files, got %s", protocol.ErrProtocolError, f.Tag)
	}

	byChecksum, err := s.sendLocalStatus(localBag)
	if err != nil {
		return 0, protocol.CommitDiff{}, err
	}

	newVersion, diff, err := s.receiveRemoteUpdate(byChecksum)
	if err != nil {
		return 0, protocol.CommitDiff{}, err
	}

	if err := s.ch.Send(protocol.QuitFrame()); err != nil {
		return 0, protocol.CommitDiff{}, err
	}
	f, err = s.ch.Recv()
	if err != nil {
		return 0, protocol.CommitDiff{}, err
	}
	if f.Tag != protocol.TagBye {
		return 0, protocol.CommitDiff{}, fmt.Errorf("%w: expected bye, got %s", protocol.ErrProtocolError, f.Tag)
	}

	return newVersion, diff, nil
}

func (s *Session) sendLocalStatus(localBag []protocol.FileItem) (map[string]protocol.FileItem, error) {
	byChecksum := make(map[string]protocol.FileItem, len(localBag))
	for _, item := range localBag {
		if err := s.ch.Send(protocol.FileMetaFrame(item)); err != nil {
			return nil, err
		}
		byChecksum[item.Checksum] = item
	}
	if err := s.ch.Send(protocol.DoneFrame()); err != nil {
		return nil, err
	}
	return byChecksum, nil
}

// receiveRemoteUpdate services data/file_begin/file_remove requests
// until sync_complete, then consumes the trailing commit_diff frame.
func (s *Session) receiveRemoteUpdate(byChecksum map[string]protocol.FileItem) (uint64, protocol.CommitDiff, error) {
	for {
		f, err := s.ch.Recv()
		if err != nil {
			return 0, protocol.CommitDiff{}, err
		}

		switch f.Tag {
		case protocol.TagData:
			item, ok := byChecksum[f.Data]
			if !ok {
				return 0, protocol.CommitDiff{}, fmt.Errorf("%w: server requested unknown checksum %q", protocol.ErrProtocolError, f.Data)
			}
			if err := s.uploadFile(item); err != nil {
				return 0, protocol.CommitDiff{}, err
			}

		case protocol.TagFileBegin:
			if err := s.downloadFile(f.FileBegin); err != nil {
				return 0, protocol.CommitDiff{}, err
			}

		case protocol.TagFileRemove:
			if err := s.removeFile(f.FileRemove); err != nil {
				return 0, protocol.CommitDiff{}, err
			}

		case protocol.TagSyncComplete:
			diffFrame, err := s.ch.Recv()
			if err != nil {
				return 0, protocol.CommitDiff{}, err
			}
			if diffFrame.Tag != protocol.TagCommitDiff {
				return 0, protocol.CommitDiff{}, fmt.Errorf("%w: expected commit_diff, got %s", protocol.ErrProtocolError, diffFrame.Tag)
			}
			return f.SyncComplete, diffFrame.CommitDiff, nil

		default:
			return 0, protocol.CommitDiff{}, fmt.Errorf("%w: unexpected message %s", protocol.ErrProtocolError, f.Tag)
		}
	}
}

func (s *Session) uploadFile(item protocol.FileItem) error {
	f, err := os.Open(filepath.Join(s.root, filepath.FromSlash(item.Path)))
	if err != nil {
		return err
	}
	defer f.Close()

	var progress func(int)
	if s.Progress != nil {
		progress = func(n int) { s.Progress.AddBytes(int64(n)) }
	}
	if err := s.ch.SendFile(f, progress); err != nil {
		return err
	}
	if s.Progress != nil {
		s.Progress.AddObject()
	}
	return nil
}

func (s *Session) downloadFile(item protocol.FileItem) error {
	localPath := filepath.Join(s.root, filepath.FromSlash(item.Path))
	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return err
	}

	f, err := os.Create(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	var progress func(int)
	if s.Progress != nil {
		progress = func(n int) { s.Progress.AddBytes(int64(n)) }
	}
	if err := s.ch.RecvFile(f, progress); err != nil {
		return err
	}
	if s.Progress != nil {
		s.Progress.AddObject()
	}
	return nil
}

func (s *Session) removeFile(item protocol.FileItem) error {
	localPath := filepath.Join(s.root, filepath.FromSlash(item.Path))
	err := os.Remove(localPath)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return s.pruneEmptyAncestors(filepath.Dir(localPath))
}

// pruneEmptyAncestors removes dir and each ancestor above it, up to but
// excluding the working-tree root, as long as each is empty — cleaning
// up directories left behind by a file_remove.
func (s *Session) pruneEmptyAncestors(dir string) error {
	root := filepath.Clean(s.root)
	for dir = filepath.Clean(dir); dir != root; {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				break
			}
			return err
		}
		if len(entries) > 0 {
			break
		}
		if err := os.Remove(dir); err != nil {
			return err
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return nil
}
