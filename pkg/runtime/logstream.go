package runtime

import (
	"bytes"
	"context"
	"io"
	"os"
	"time"
)

// logPollInterval is how often a followed stream checks for new data.
const logPollInterval = 500 * time.Millisecond

// openLogStream serves a container log file, optionally tailing and
// following it. Follow streams appended data until ctx is cancelled or
// the reader is closed.
func openLogStream(ctx context.Context, path string, opts LogOptions) (io.ReadCloser, error) {
	if !opts.Since.IsZero() {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		// The file has no per-line timestamps; if nothing was written
		// since the cutoff, serve an empty (possibly followed) stream.
		if info.ModTime().Before(opts.Since) {
			if !opts.Follow {
				return io.NopCloser(bytes.NewReader(nil)), nil
			}
			return followLogFile(ctx, path, nil)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if opts.Tail > 0 {
		data = tailLines(data, opts.Tail)
	}

	if !opts.Follow {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	return followLogFile(ctx, path, data)
}

// followLogFile emits head, then polls the file for appended bytes.
func followLogFile(ctx context.Context, path string, head []byte) (io.ReadCloser, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	offset := info.Size()

	pr, pw := io.Pipe()
	go func() {
		defer pw.Close()

		if len(head) > 0 {
			if _, err := pw.Write(head); err != nil {
				return
			}
		}

		ticker := time.NewTicker(logPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			info, err := os.Stat(path)
			if err != nil {
				return
			}
			if info.Size() < offset {
				// Truncated (container recreated); restart from zero.
				offset = 0
			}
			if info.Size() == offset {
				continue
			}

			f, err := os.Open(path)
			if err != nil {
				return
			}
			if _, err := f.Seek(offset, io.SeekStart); err != nil {
				f.Close()
				return
			}
			n, err := io.Copy(pw, f)
			f.Close()
			offset += n
			if err != nil {
				return
			}
		}
	}()
	return pr, nil
}

// tailLines returns the last n lines of data.
func tailLines(data []byte, n int) []byte {
	if len(data) == 0 {
		return data
	}

	end := len(data)
	// A trailing newline does not count as an extra line.
	if data[end-1] == '\n' {
		end--
	}

	seen := 0
	for i := end - 1; i >= 0; i-- {
		if data[i] == '\n' {
			seen++
			if seen == n {
				return data[i+1:]
			}
		}
	}
	return data
}
