// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Channel is a bidirectional tagged-message transport over two byte
// streams, plus chunked file streaming. Every Send flushes the underlying
// writer, matching the original picklemsg.Remote semantics.
type Channel struct {
	r *bufio.Reader
	w *bufio.Writer
}

// NewChannel wraps an input and output byte stream.
func NewChannel(r io.Reader, w io.Writer) *Channel {
	return &Channel{r: bufio.NewReader(r), w: bufio.NewWriter(w)}
}

// Send encodes and flushes one frame.
func (c *Channel) Send(f Frame) error {
	if err := c.w.WriteByte(byte(f.Tag)); err != nil {
		return wrapWriteErr(err)
	}

	var err error
	switch f.Tag {
	case TagSync:
		err = writeUint64(c.w, f.Sync)
	case TagWaitingForFiles, TagDone, TagFileEnd, TagQuit, TagBye:
		// no payload
	case TagFileMeta:
		err = writeFileItem(c.w, f.FileMeta)
	case TagData:
		err = writeChecksum(c.w, f.Data)
	case TagFileChunk:
		err = writeBytes(c.w, f.FileChunk)
	case TagFileBegin:
		err = writeFileItem(c.w, f.FileBegin)
	case TagFileRemove:
		err = writeFileItem(c.w, f.FileRemove)
	case TagSyncComplete:
		err = writeUint64(c.w, f.SyncComplete)
	case TagCommitDiff:
		err = writeFileItemList(c.w, f.CommitDiff.Added)
		if err == nil {
			err = writeFileItemList(c.w, f.CommitDiff.Removed)
		}
	case TagError:
		err = writeString(c.w, f.Error)
	default:
		return fmt.Errorf("%w: unknown tag %d", ErrProtocolError, f.Tag)
	}
	if err != nil {
		return wrapWriteErr(err)
	}

	if err := c.w.Flush(); err != nil {
		return wrapWriteErr(err)
	}
	return nil
}

// Recv blocks until a full frame arrives.
func (c *Channel) Recv() (Frame, error) {
	tagByte, err := c.r.ReadByte()
	if err != nil {
		return Frame{}, wrapReadErr(err)
	}
	tag := Tag(tagByte)

	switch tag {
	case TagWaitingForFiles, TagDone, TagFileEnd, TagQuit, TagBye:
		return Frame{Tag: tag}, nil
	case TagSync:
		v, err := readUint64(c.r)
		if err != nil {
			return Frame{}, wrapReadErr(err)
		}
		return Frame{Tag: tag, Sync: v}, nil
	case TagFileMeta:
		item, err := readFileItem(c.r)
		if err != nil {
			return Frame{}, wrapReadErr(err)
		}
		return Frame{Tag: tag, FileMeta: item}, nil
	case TagData:
		ck, err := readChecksum(c.r)
		if err != nil {
			return Frame{}, wrapReadErr(err)
		}
		return Frame{Tag: tag, Data: ck}, nil
	case TagFileChunk:
		b, err := readBytes(c.r)
		if err != nil {
			return Frame{}, wrapReadErr(err)
		}
		return Frame{Tag: tag, FileChunk: b}, nil
	case TagFileBegin:
		item, err := readFileItem(c.r)
		if err != nil {
			return Frame{}, wrapReadErr(err)
		}
		return Frame{Tag: tag, FileBegin: item}, nil
	case TagFileRemove:
		item, err := readFileItem(c.r)
		if err != nil {
			return Frame{}, wrapReadErr(err)
		}
		return Frame{Tag: tag, FileRemove: item}, nil
	case TagSyncComplete:
		v, err := readUint64(c.r)
		if err != nil {
			return Frame{}, wrapReadErr(err)
		}
		return Frame{Tag: tag, SyncComplete: v}, nil
	case TagCommitDiff:
		added, err := readFileItemList(c.r)
		if err != nil {
			return Frame{}, wrapReadErr(err)
		}
		removed, err := readFileItemList(c.r)
		if err != nil {
			return Frame{}, wrapReadErr(err)
		}
		return Frame{Tag: tag, CommitDiff: CommitDiff{Added: added, Removed: removed}}, nil
	case TagError:
		report, err := readString(c.r)
		if err != nil {
			return Frame{}, wrapReadErr(err)
		}
		return Frame{Tag: tag, Error: report}, nil
	default:
		return Frame{}, fmt.Errorf("%w: unknown tag byte %d", ErrProtocolError, tagByte)
	}
}

// SendError is a convenience for the special error tag any peer may send
// at any time.
func (c *Channel) SendError(report string) error {
	return c.Send(ErrorFrame(report))
}

// SendFile reads src in 64 KiB chunks, emitting a full file_chunk per
// chunk (only the last may be shorter) and a final file_end. progress is
// called once per chunk with the number of bytes just sent.
func (c *Channel) SendFile(src io.Reader, progress func(n int)) error {
	buf := make([]byte, ChunkSize)
	for {
		n, readErr := io.ReadFull(src, buf)
		if readErr == io.ErrUnexpectedEOF {
			readErr = io.EOF
		}
		if n > 0 {
			if err := c.Send(FileChunkFrame(buf[:n])); err != nil {
				return err
			}
			if progress != nil {
				progress(n)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("reading file body: %w", readErr)
		}
	}
	return c.Send(FileEndFrame())
}

// RecvFile reads frames, writing each file_chunk payload to dst until
// file_end. Any other tag is a protocol error.
func (c *Channel) RecvFile(dst io.Writer, progress func(n int)) error {
	for {
		f, err := c.Recv()
		if err != nil {
			return err
		}
		switch f.Tag {
		case TagFileEnd:
			return nil
		case TagFileChunk:
			if _, err := dst.Write(f.FileChunk); err != nil {
				return fmt.Errorf("writing file body: %w", err)
			}
			if progress != nil {
				progress(len(f.FileChunk))
			}
		default:
			return fmt.Errorf("%w: expected file_chunk or file_end, got %s", ErrProtocolError, f.Tag)
		}
	}
}

func wrapReadErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) {
		return fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}
	return fmt.Errorf("reading frame: %w", err)
}

func wrapWriteErr(err error) error {
	if errors.Is(err, io.ErrClosedPipe) {
		return fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}
	return fmt.Errorf("writing frame: %w", err)
}

// --- wire encoding helpers ---

func writeUint64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

func writeChecksum(w io.Writer, checksum string) error {
	if len(checksum) != ChecksumLen {
		return fmt.Errorf("%w: checksum %q is not %d hex characters", ErrProtocolError, checksum, ChecksumLen)
	}
	_, err := io.WriteString(w, checksum)
	return err
}

func readChecksum(r io.Reader) (string, error) {
	buf := make([]byte, ChecksumLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeString(w io.Writer, s string) error {
	if err := writeUint64(w, uint64(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	n, err := readUint64(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeBytes(w io.Writer, b []byte) error {
	if len(b) > ChunkSize {
		return fmt.Errorf("%w: chunk of %d bytes exceeds %d", ErrProtocolError, len(b), ChunkSize)
	}
	if err := writeUint64(w, uint64(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readBytes(r io.Reader) ([]byte, error) {
	n, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	if n > ChunkSize {
		return nil, fmt.Errorf("%w: chunk of %d bytes exceeds %d", ErrProtocolError, n, ChunkSize)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeFileItem(w io.Writer, item FileItem) error {
	if err := writeChecksum(w, item.Checksum); err != nil {
		return err
	}
	if err := writeUint64(w, item.Size); err != nil {
		return err
	}
	return writeString(w, item.Path)
}

func readFileItem(r io.Reader) (FileItem, error) {
	checksum, err := readChecksum(r)
	if err != nil {
		return FileItem{}, err
	}
	size, err := readUint64(r)
	if err != nil {
		return FileItem{}, err
	}
	path, err := readString(r)
	if err != nil {
		return FileItem{}, err
	}
	return FileItem{Path: path, Checksum: checksum, Size: size}, nil
}

func writeFileItemList(w io.Writer, items []FileItem) error {
	if err := writeUint64(w, uint64(len(items))); err != nil {
		return err
	}
	for _, item := range items {
		if err := writeFileItem(w, item); err != nil {
			return err
		}
	}
	return nil
}

func readFileItemList(r io.Reader) ([]FileItem, error) {
	n, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	items := make([]FileItem, 0, n)
	for i := uint64(0); i < n; i++ {
		item, err := readFileItem(r)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}
