package anacrolix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"

	"mediastream/internal/domain"
	"mediastream/internal/domain/ports"
)

// defaultMaxConns caps established peer connections per torrent.
const defaultMaxConns = 35

// addTimeout caps the time we wait for the anacrolix client to accept a
// source. AddMagnet can block on an internal client mutex when the client is
// busy resolving metadata for another torrent.
const addTimeout = 10 * time.Second

var ErrClientBusy = errors.New("torrent client busy, try again later")

type Config struct {
	DataDir  string
	MaxConns int
}

// Engine adapts an anacrolix torrent client to the fetch engine port.
type Engine struct {
	client   *torrent.Client
	dataDir  string
	maxConns int
	logger   *slog.Logger

	mu      sync.Mutex
	handles map[domain.Fingerprint]*Handle
}

func New(cfg Config, logger *slog.Logger) (*Engine, error) {
	clientConfig := torrent.NewDefaultClientConfig()
	if cfg.DataDir != "" {
		clientConfig.DataDir = cfg.DataDir
	}

	client, err := torrent.NewClient(clientConfig)
	if err != nil {
		return nil, err
	}
	return newEngine(client, cfg, logger), nil
}

func newEngine(client *torrent.Client, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = defaultMaxConns
	}
	return &Engine{
		client:   client,
		dataDir:  cfg.DataDir,
		maxConns: maxConns,
		logger:   logger,
		handles:  make(map[domain.Fingerprint]*Handle),
	}
}

// descriptor is a parsed magnet link or .torrent file.
type descriptor struct {
	fingerprint domain.Fingerprint
	magnet      string
	meta        *metainfo.MetaInfo
}

func parseDescriptor(raw string) (descriptor, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return descriptor{}, fmt.Errorf("%w: empty descriptor", domain.ErrSourceUnavailable)
	}
	if strings.HasPrefix(strings.ToLower(value), "magnet:") {
		m, err := metainfo.ParseMagnetUri(value)
		if err != nil {
			return descriptor{}, fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, err)
		}
		if m.InfoHash == (metainfo.Hash{}) {
			return descriptor{}, fmt.Errorf("%w: magnet without info-hash", domain.ErrSourceUnavailable)
		}
		fp, err := domain.ParseFingerprint(m.InfoHash.HexString())
		if err != nil {
			return descriptor{}, fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, err)
		}
		return descriptor{fingerprint: fp, magnet: value}, nil
	}

	mi, err := metainfo.LoadFromFile(value)
	if err != nil {
		return descriptor{}, fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, err)
	}
	fp, err := domain.ParseFingerprint(mi.HashInfoBytes().HexString())
	if err != nil {
		return descriptor{}, fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, err)
	}
	return descriptor{fingerprint: fp, meta: mi}, nil
}

func (e *Engine) Add(ctx context.Context, raw string) (ports.FetchHandle, error) {
	if e.client == nil {
		return nil, errors.New("torrent client not configured")
	}
	desc, err := parseDescriptor(raw)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if h, ok := e.handles[desc.fingerprint]; ok {
		e.mu.Unlock()
		return h, nil
	}
	e.mu.Unlock()

	t, err := e.addWithTimeout(ctx, desc)
	if err != nil {
		return nil, err
	}
	t.SetMaxEstablishedConns(e.maxConns)

	h := &Handle{
		engine:      e,
		torrent:     t,
		fingerprint: domain.Fingerprint(t.InfoHash().HexString()),
	}

	e.mu.Lock()
	if existing, ok := e.handles[h.fingerprint]; ok {
		e.mu.Unlock()
		return existing, nil
	}
	e.handles[h.fingerprint] = h
	e.mu.Unlock()

	go e.waitForInfo(h)

	e.logger.Info("source added",
		slog.String("fingerprint", h.fingerprint.Short()),
		slog.Bool("magnet", desc.magnet != ""),
	)
	return h, nil
}

// addWithTimeout runs AddMagnet / AddTorrent with a timeout so we never
// block the HTTP handler indefinitely if the anacrolix client is busy.
func (e *Engine) addWithTimeout(ctx context.Context, desc descriptor) (*torrent.Torrent, error) {
	type addResult struct {
		t   *torrent.Torrent
		err error
	}
	ch := make(chan addResult, 1)
	go func() {
		var t *torrent.Torrent
		var err error
		if desc.magnet != "" {
			t, err = e.client.AddMagnet(desc.magnet)
		} else {
			t, err = e.client.AddTorrent(desc.meta)
		}
		ch <- addResult{t, err}
	}()

	// The goroutine may still complete the add after we return; drop the
	// orphaned torrent when it does.
	dropLate := func() {
		go func() {
			if res := <-ch; res.t != nil {
				res.t.Drop()
			}
		}()
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, res.err)
		}
		return res.t, nil
	case <-time.After(addTimeout):
		dropLate()
		return nil, ErrClientBusy
	case <-ctx.Done():
		dropLate()
		return nil, ctx.Err()
	}
}

// waitForInfo enables fetching of the whole source once metadata is known.
// The scheduler layers its tiers on top of this baseline.
func (e *Engine) waitForInfo(h *Handle) {
	select {
	case <-h.torrent.GotInfo():
	case <-h.torrent.Closed():
		return
	}
	h.torrent.AllowDataDownload()
	h.torrent.DownloadAll()
	e.logger.Info("metadata received",
		slog.String("fingerprint", h.fingerprint.Short()),
		slog.String("name", h.torrent.Name()),
		slog.Int("pieces", h.torrent.NumPieces()),
	)
}

func (e *Engine) forget(fp domain.Fingerprint) {
	e.mu.Lock()
	delete(e.handles, fp)
	e.mu.Unlock()
}

// removeData deletes the downloaded files of a torrent from the data dir.
func (e *Engine) removeData(name string) error {
	if strings.TrimSpace(name) == "" || e.dataDir == "" {
		return nil
	}
	path, err := resolveDataPath(e.dataDir, name)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func resolveDataPath(dataDir, name string) (string, error) {
	base, err := filepath.Abs(filepath.Clean(dataDir))
	if err != nil {
		return "", err
	}
	joined, err := filepath.Abs(filepath.Join(base, filepath.FromSlash(name)))
	if err != nil {
		return "", err
	}
	if joined == base || !strings.HasPrefix(joined, base+string(filepath.Separator)) {
		return "", errors.New("path escapes data dir")
	}
	return joined, nil
}

func (e *Engine) Close() error {
	if e.client == nil {
		return nil
	}
	errList := e.client.Close()
	if len(errList) > 0 {
		return errList[0]
	}
	return nil
}

// freeOSMemory returns freed memory to the OS promptly after dropping a
// torrent. Go's GC may otherwise hold it long enough to OOM small hosts.
func freeOSMemory() {
	runtime.GC()
	debug.FreeOSMemory()
}
