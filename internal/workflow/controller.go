// Package workflow drives the gallery: listing, generation, download and the
// two-step deletion flow. It owns the transient UI state (phase, error
// banner, pending delete) and keeps the in-memory image collection
// consistent by always replacing it wholesale from the server.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pixelmuse/client/internal/domain"
	"pixelmuse/client/internal/ids"
	"pixelmuse/client/internal/transport"
)

// Phase is the transient progress state surfaced to the UI.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseLoading
	PhaseSubmitting
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseLoading:
		return "loading"
	case PhaseSubmitting:
		return "submitting"
	case PhaseError:
		return "error"
	}
	return "invalid"
}

// DeleteStage models the mandatory confirmation flow. There is no
// direct-delete path: every deletion passes through AwaitingConfirm.
type DeleteStage int

const (
	DeleteIdle DeleteStage = iota
	DeleteAwaitingConfirm
	DeleteInFlight
)

// DeleteState pairs the stage with its target so a confirmation without a
// target is unrepresentable.
type DeleteState struct {
	Stage   DeleteStage
	ImageID string
}

// ImageAPI is the slice of the service contract the controller drives.
type ImageAPI interface {
	ListImages(ctx context.Context) ([]domain.Image, error)
	Generate(ctx context.Context, req domain.GenerationRequest) (domain.Image, error)
	DeleteImage(ctx context.Context, id string) error
}

// State is a copy of the controller's observable state.
type State struct {
	Phase        Phase
	ErrorMessage string
	Delete       DeleteState
	Images       []domain.Image
}

// Options configure display policy and download behavior.
type Options struct {
	// ErrorDisplayWindow is how long an error banner stays up. The window is
	// a display policy only; the failed request is never retried
	// automatically.
	ErrorDisplayWindow time.Duration
	DownloadDir        string
	DownloadFilename   string
	// Assets fetches rendered bytes directly from an image's URL, bypassing
	// the API transport because the asset host may differ from the API host.
	Assets *http.Client
}

type Controller struct {
	api    ImageAPI
	assets *http.Client
	window time.Duration
	dir    string
	name   string
	log    zerolog.Logger

	onChange func()

	mu       sync.Mutex
	images   []domain.Image
	phase    Phase
	errMsg   string
	errSeq   int
	errTimer *time.Timer
	del      DeleteState
}

func NewController(api ImageAPI, opts Options, log zerolog.Logger) *Controller {
	if opts.ErrorDisplayWindow <= 0 {
		opts.ErrorDisplayWindow = 3 * time.Second
	}
	if opts.DownloadFilename == "" {
		opts.DownloadFilename = "generated-image.png"
	}
	if opts.DownloadDir == "" {
		opts.DownloadDir = "."
	}
	if opts.Assets == nil {
		opts.Assets = &http.Client{Timeout: 60 * time.Second}
	}
	return &Controller{
		api:    api,
		assets: opts.Assets,
		window: opts.ErrorDisplayWindow,
		dir:    opts.DownloadDir,
		name:   opts.DownloadFilename,
		log:    log.With().Str("component", "workflow").Logger(),
	}
}

// SetOnChange registers a callback run after every observable state change.
func (c *Controller) SetOnChange(fn func()) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	images := make([]domain.Image, len(c.images))
	copy(images, c.images)
	return State{
		Phase:        c.phase,
		ErrorMessage: c.errMsg,
		Delete:       c.del,
		Images:       images,
	}
}

// ListImages refreshes the gallery. On success the collection is replaced
// wholesale, so concurrent refreshes converge on the last completed fetch.
// On any failure the previous collection and the current phase are left
// untouched; a failed listing is logged, not surfaced.
func (c *Controller) ListImages(ctx context.Context) error {
	images, err := c.api.ListImages(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("listing images failed, keeping previous view")
		return err
	}
	if ctx.Err() != nil {
		// The view that asked for this fetch is gone; do not apply.
		return ctx.Err()
	}

	c.mu.Lock()
	c.images = images
	c.mu.Unlock()
	c.notify()
	return nil
}

// Generate submits one request. On success the returned image is appended
// and a fresh listing reconciles server-assigned fields; on failure the
// error banner shows for the configured window and the request is not
// retried.
func (c *Controller) Generate(ctx context.Context, req domain.GenerationRequest) (domain.Image, error) {
	opID := ids.New()

	c.mu.Lock()
	c.phase = PhaseSubmitting
	c.mu.Unlock()
	c.notify()

	img, err := c.api.Generate(ctx, req)
	if err != nil {
		c.log.Error().Err(err).Str("op_id", opID).Msg("generation failed")
		c.failWith("Failed to generate image. Please try again.")
		return domain.Image{}, err
	}
	if ctx.Err() != nil {
		c.setPhase(PhaseIdle)
		return domain.Image{}, ctx.Err()
	}

	c.mu.Lock()
	c.images = append(c.images, img)
	c.phase = PhaseIdle
	c.mu.Unlock()
	c.notify()

	c.log.Info().Str("op_id", opID).Str("image_id", img.ID).Msg("image generated")

	// Reconcile server-assigned fields; the appended image already made the
	// result visible, so a failed refresh is tolerable here.
	_ = c.ListImages(ctx)

	return img, nil
}

// Download fetches the rendered bytes straight from the image's URL and
// saves them under the default filename. The fetch deliberately bypasses the
// API transport: the asset host may be a different origin and must not
// trigger the global 401 policy.
func (c *Controller) Download(ctx context.Context, img domain.Image) (string, error) {
	c.setPhase(PhaseLoading)

	path, err := c.fetchAsset(ctx, img.URL)
	if err != nil {
		c.log.Error().Err(err).Str("image_id", img.ID).Msg("download failed")
		c.failWith("Failed to download image. Please try again.")
		return "", err
	}

	c.setPhase(PhaseIdle)
	c.log.Info().Str("image_id", img.ID).Str("path", path).Msg("image downloaded")
	return path, nil
}

func (c *Controller) fetchAsset(ctx context.Context, assetURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, assetURL, nil)
	if err != nil {
		return "", fmt.Errorf("build asset request: %w", err)
	}
	resp, err := c.assets.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch asset: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("asset host returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read asset: %w", err)
	}

	path := filepath.Join(c.dir, c.name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("save asset: %w", err)
	}
	return path, nil
}

// RequestDelete opens the confirmation gate for one image. Nothing is
// mutated and no request is issued until ConfirmDelete.
func (c *Controller) RequestDelete(imageID string) {
	c.mu.Lock()
	if c.del.Stage == DeleteInFlight {
		c.mu.Unlock()
		return
	}
	c.del = DeleteState{Stage: DeleteAwaitingConfirm, ImageID: imageID}
	c.mu.Unlock()
	c.notify()
}

// CancelDelete closes the confirmation gate without any server call.
func (c *Controller) CancelDelete() {
	c.mu.Lock()
	if c.del.Stage != DeleteAwaitingConfirm {
		c.mu.Unlock()
		return
	}
	c.del = DeleteState{}
	c.mu.Unlock()
	c.notify()
}

// ConfirmDelete issues the deletion for the pending image. Without a
// preceding RequestDelete it is a no-op. The gate closes in every outcome;
// on failure the server's message (or a generic fallback) shows via the
// timed banner.
func (c *Controller) ConfirmDelete(ctx context.Context) error {
	c.mu.Lock()
	if c.del.Stage != DeleteAwaitingConfirm {
		c.mu.Unlock()
		return nil
	}
	id := c.del.ImageID
	c.del = DeleteState{Stage: DeleteInFlight, ImageID: id}
	c.mu.Unlock()
	c.notify()

	opID := ids.New()
	err := c.api.DeleteImage(ctx, id)

	if err != nil {
		c.log.Error().Err(err).Str("op_id", opID).Str("image_id", id).Msg("deletion failed")
		c.closeDeleteGate()
		c.failWith(deleteFailureMessage(err))
		return err
	}

	c.log.Info().Str("op_id", opID).Str("image_id", id).Msg("image deleted")
	_ = c.ListImages(ctx)
	c.closeDeleteGate()
	return nil
}

func (c *Controller) closeDeleteGate() {
	c.mu.Lock()
	c.del = DeleteState{}
	c.mu.Unlock()
	c.notify()
}

func deleteFailureMessage(err error) string {
	var apiErr *transport.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return "Failed to delete image. Please try again."
}

// failWith raises the error banner and schedules its dismissal. A newer
// error restarts the window, so a stale timer can never clear a message it
// does not own.
func (c *Controller) failWith(msg string) {
	c.mu.Lock()
	c.phase = PhaseError
	c.errMsg = msg
	c.errSeq++
	seq := c.errSeq
	if c.errTimer != nil {
		c.errTimer.Stop()
	}
	c.errTimer = time.AfterFunc(c.window, func() { c.clearError(seq) })
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) clearError(seq int) {
	c.mu.Lock()
	if seq != c.errSeq {
		c.mu.Unlock()
		return
	}
	c.errMsg = ""
	if c.phase == PhaseError {
		c.phase = PhaseIdle
	}
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) setPhase(p Phase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) notify() {
	c.mu.Lock()
	fn := c.onChange
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}
