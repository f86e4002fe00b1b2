package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
)

// IVFSource plays an IVF file (VP8, VP9 or AV1) into a sample track at the
// file's frame rate.
type IVFSource struct {
	path  string
	loop  bool
	track *webrtc.TrackLocalStaticSample
	log   *slog.Logger

	done      chan struct{}
	stop      chan struct{}
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

// OpenIVF validates the file header and starts playback. With loop set the
// file repeats forever; otherwise the source ends (Done closes) at EOF.
func OpenIVF(path, streamID string, loop bool, logger *slog.Logger) (*IVFSource, error) {
	if logger == nil {
		logger = slog.Default()
	}

	f, err := openCaptureFile(path)
	if err != nil {
		return nil, err
	}
	reader, header, err := ivfreader.NewWith(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrCaptureUnavailable, path, err)
	}
	mimeType, err := mimeTypeForFourCC(header.FourCC)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrCaptureUnavailable, path, err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: mimeType},
		"video-"+uuid.NewString(),
		streamID,
	)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("create track: %w", err)
	}

	s := &IVFSource{
		path:  path,
		loop:  loop,
		track: track,
		log:   logger.With("file", path),
		done:  make(chan struct{}),
		stop:  make(chan struct{}),
	}
	go s.play(f, reader, frameDuration(header))
	return s, nil
}

func (s *IVFSource) Track() webrtc.TrackLocal { return s.track }

func (s *IVFSource) Done() <-chan struct{} { return s.done }

// Err returns the error that ended playback, if any.
func (s *IVFSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *IVFSource) Close() error {
	s.closeOnce.Do(func() { close(s.stop) })
	<-s.done
	return nil
}

func (s *IVFSource) play(f *os.File, reader *ivfreader.IVFReader, interval time.Duration) {
	defer close(s.done)
	defer func() { _ = f.Close() }()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}

		frame, _, err := reader.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			if !s.loop {
				s.log.Debug("ivf source reached end of file")
				return
			}
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				s.fail(err)
				return
			}
			if reader, _, err = ivfreader.NewWith(f); err != nil {
				s.fail(err)
				return
			}
			continue
		}
		if err != nil {
			s.fail(err)
			return
		}

		if err := s.track.WriteSample(pionmedia.Sample{Data: frame, Duration: interval}); err != nil {
			s.fail(err)
			return
		}
	}
}

func (s *IVFSource) fail(err error) {
	s.log.Warn("ivf source stopped", "err", err)
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func frameDuration(h *ivfreader.IVFFileHeader) time.Duration {
	if h.TimebaseDenominator == 0 || h.TimebaseNumerator == 0 {
		return time.Second / 30
	}
	d := time.Duration(uint64(time.Second) * uint64(h.TimebaseNumerator) / uint64(h.TimebaseDenominator))
	if d <= 0 {
		return time.Second / 30
	}
	return d
}

func mimeTypeForFourCC(fourCC string) (string, error) {
	switch fourCC {
	case "VP80":
		return webrtc.MimeTypeVP8, nil
	case "VP90":
		return webrtc.MimeTypeVP9, nil
	case "AV01":
		return webrtc.MimeTypeAV1, nil
	default:
		return "", fmt.Errorf("unsupported ivf codec %q", fourCC)
	}
}

func openCaptureFile(path string) (*os.File, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: no file configured", ErrCaptureUnavailable)
	}
	f, err := os.Open(path)
	switch {
	case err == nil:
		return f, nil
	case errors.Is(err, fs.ErrPermission):
		return nil, fmt.Errorf("%w: %s", ErrCaptureDenied, path)
	default:
		return nil, fmt.Errorf("%w: %v", ErrCaptureUnavailable, err)
	}
}

// FileCapturer serves the camera and the screen from IVF files. The camera
// loops; the screen ends at EOF, which the manager treats as the user
// stopping the share.
type FileCapturer struct {
	CameraPath string
	ScreenPath string
	StreamID   string
	Logger     *slog.Logger
}

func (c FileCapturer) Camera(ctx context.Context) (Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src, err := OpenIVF(c.CameraPath, c.streamID(), true, c.Logger)
	if err != nil {
		return nil, err
	}
	return src, nil
}

func (c FileCapturer) Screen(ctx context.Context) (Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src, err := OpenIVF(c.ScreenPath, c.streamID(), false, c.Logger)
	if err != nil {
		return nil, err
	}
	return src, nil
}

func (c FileCapturer) streamID() string {
	if c.StreamID == "" {
		return "aero-mesh"
	}
	return c.StreamID
}
