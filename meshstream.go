// Package meshstream drives a dense RGB-D reconstruction engine over
// on-disk scene datasets and streams compacted triangle meshes to a TCP
// receiver. Reconstruction and network delivery run on separate
// background workers joined by an unbounded FIFO queue, so a slow or
// stalled receiver never delays reconstruction.
package meshstream

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	goutils "go.viam.com/utils"
	"go.viam.com/utils/pexec"

	"github.com/densefusion/meshstream/config"
	"github.com/densefusion/meshstream/dataset"
	"github.com/densefusion/meshstream/engine"
	"github.com/densefusion/meshstream/stream"
	"github.com/densefusion/meshstream/wire"
)

// State describes where the reconstruction driver is in its lifecycle.
type State string

const (
	// StateIdle means the driver has not started processing yet.
	StateIdle State = "idle"
	// StateRunning means frames are being tracked and integrated.
	StateRunning State = "running"
	// StatePaused means the driver is holding between frames.
	StatePaused State = "paused"
	// StateDone means the driver has exhausted its datasets and exited.
	StateDone State = "done"
)

// Service owns the reconstruction driver and the mesh delivery pipeline.
type Service struct {
	cfg    *config.Config
	tuning *config.TuningCell
	eng    engine.Engine

	queue  *stream.Queue
	sender *stream.Sender

	receiverProcess pexec.ProcessManager
	receiverAddr    string

	logger                  golog.Logger
	cancelFunc              func()
	activeBackgroundWorkers sync.WaitGroup

	mu    sync.Mutex
	cond  *sync.Cond
	state State
	poses []engine.Pose
}

// New validates the config, prepares the data directory, connects to the
// mesh receiver (launching it first if an executable is configured), and
// starts the reconstruction and sender workers.
func New(ctx context.Context, cfg *config.Config, eng engine.Engine, logger golog.Logger) (*Service, error) {
	ctx, span := trace.StartSpan(ctx, "meshstream::New")
	defer span.End()

	if err := cfg.Validate(logger); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	if err := config.SetupDirectories(cfg.DataDirectory, logger); err != nil {
		return nil, errors.Wrap(err, "unable to setup working directories")
	}

	cancelCtx, cancelFunc := context.WithCancel(ctx)

	svc := &Service{
		cfg:             cfg,
		tuning:          config.NewTuningCell(cfg.Tuning),
		eng:             eng,
		queue:           stream.NewQueue(),
		receiverProcess: pexec.NewProcessManager(logger),
		receiverAddr:    cfg.ReceiverAddr,
		logger:          logger,
		cancelFunc:      cancelFunc,
		state:           StateIdle,
	}
	svc.cond = sync.NewCond(&svc.mu)

	var success bool
	defer func() {
		if !success {
			if err := svc.Close(); err != nil {
				logger.Errorw("error closing out after error", "error", err)
			}
		}
	}()

	if err := svc.generateEngineYAML(); err != nil {
		return nil, errors.Wrap(err, "error generating engine settings")
	}

	if cfg.ReceiverExecutable != "" {
		if err := svc.startReceiverProcess(ctx); err != nil {
			return nil, errors.Wrap(err, "error with mesh receiver process")
		}
	}

	sender, err := stream.NewSender(ctx, svc.receiverAddr, svc.queue, stream.RetryPolicy{
		MaxAttempts: cfg.SendMaxAttempts,
		Backoff:     time.Duration(cfg.SendBackoffMsec) * time.Millisecond,
		Redial:      cfg.SendRedial,
	}, logger)
	if err != nil {
		return nil, err
	}
	svc.sender = sender
	svc.sender.Start(cancelCtx)

	svc.startDriver(cancelCtx)

	success = true
	return svc, nil
}

// Tuning returns the cell holding the adjustable reconstruction
// parameters. Stores take effect at the next frame boundary.
func (svc *Service) Tuning() *config.TuningCell {
	return svc.tuning
}

// State reports the current driver state.
func (svc *Service) State() State {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return svc.state
}

// Pause holds the driver at the next frame boundary.
func (svc *Service) Pause() {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.state == StateRunning {
		svc.state = StatePaused
	}
}

// Resume releases a paused driver.
func (svc *Service) Resume() {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.state == StatePaused {
		svc.state = StateRunning
		svc.cond.Broadcast()
	}
}

// Poses returns a copy of the camera trajectory of the scene currently
// being reconstructed.
func (svc *Service) Poses() []engine.Pose {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	out := make([]engine.Pose, len(svc.poses))
	copy(out, svc.poses)
	return out
}

// Close stops the driver, flushes queued frames to the receiver, and
// tears everything down. The delivery queue is closed before the sender
// so frames already extracted still go out.
func (svc *Service) Close() error {
	svc.cancelFunc()
	svc.mu.Lock()
	svc.cond.Broadcast()
	svc.mu.Unlock()
	svc.activeBackgroundWorkers.Wait()

	svc.queue.Close()
	var senderErr error
	if svc.sender != nil {
		senderErr = svc.sender.Close()
	}
	if err := svc.stopReceiverProcess(); err != nil {
		return errors.Wrap(err, "error occurred during closeout of receiver process")
	}
	if senderErr != nil {
		return errors.Wrap(senderErr, "error occurred during closeout of sender")
	}
	return svc.eng.Close()
}

func (svc *Service) startDriver(cancelCtx context.Context) {
	// wake any paused wait when the context ends
	svc.activeBackgroundWorkers.Add(1)
	goutils.PanicCapturingGo(func() {
		defer svc.activeBackgroundWorkers.Done()
		<-cancelCtx.Done()
		svc.mu.Lock()
		svc.cond.Broadcast()
		svc.mu.Unlock()
	})

	svc.activeBackgroundWorkers.Add(1)
	goutils.PanicCapturingGo(func() {
		defer svc.activeBackgroundWorkers.Done()
		svc.runDriver(cancelCtx)
	})
}

// runDriver is the outer scene loop. A missing scene directory is retried
// once after a fixed delay; a second consecutive miss ends the run.
func (svc *Service) runDriver(ctx context.Context) {
	svc.setState(StateRunning)
	defer svc.setState(StateDone)

	retryDelay := time.Duration(svc.cfg.DatasetRetrySec) * time.Second
	sceneNum := 1
	dirNotFound := false

	for ctx.Err() == nil {
		scenePath := dataset.ScenePath(svc.cfg.DatasetRoot, sceneNum)
		if !dataset.Exists(scenePath) {
			svc.logger.Infof("dataset folder %v does not exist", scenePath)
			if !goutils.SelectContextOrWait(ctx, retryDelay) {
				return
			}
			if dirNotFound {
				return
			}
			dirNotFound = true
			continue
		}
		dirNotFound = false

		if err := svc.processScene(ctx, sceneNum, scenePath); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			svc.logger.Errorw("scene processing failed", "scene", scenePath, "error", err)
		}
		sceneNum++
	}
}

func (svc *Service) processScene(ctx context.Context, sceneNum int, scenePath string) error {
	ctx, span := trace.StartSpan(ctx, "meshstream::Service::processScene")
	defer span.End()

	pairs, err := dataset.LoadFramePairs(scenePath)
	if err != nil {
		return err
	}
	svc.logger.Infof("start dataset #%d with %d frames", sceneNum, len(pairs))

	svc.mu.Lock()
	svc.poses = nil
	svc.mu.Unlock()

	current := engine.IdentityPose()
	lastExtraction := -1

	for i, pair := range pairs {
		if err := svc.waitWhilePaused(ctx); err != nil {
			return err
		}
		tuning := svc.tuning.Load()
		frame := engine.Frame{Index: i, ColorPath: pair.Color, DepthPath: pair.Depth}

		if i > 0 {
			rel, err := svc.eng.Track(ctx, frame)
			if err != nil {
				var trackErr *engine.TrackingError
				if errors.As(err, &trackErr) {
					svc.logger.Warnw("skipping frame due to tracking failure", "frame", i, "error", err)
					continue
				}
				return errors.Wrapf(err, "tracking frame %d", i)
			}
			current = current.Mul(rel)
		}
		svc.appendPose(current)

		if err := svc.eng.Integrate(ctx, frame, current); err != nil {
			return errors.Wrapf(err, "integrating frame %d", i)
		}

		if tuning.UpdateSurface && i%tuning.Interval == 0 {
			if err := svc.extractAndEnqueue(ctx); err != nil {
				svc.logger.Errorw("mesh extraction failed", "frame", i, "error", err)
			} else {
				lastExtraction = i
			}
		}
	}

	// final extraction per scene, unless the last frame already produced one
	if lastExtraction != len(pairs)-1 {
		if err := svc.extractAndEnqueue(ctx); err != nil {
			svc.logger.Errorw("final mesh extraction failed", "scene", scenePath, "error", err)
		}
	}

	trajectoryPath := filepath.Join(svc.cfg.DataDirectory, "map", fmt.Sprintf("trajectory_scene_%d.log", sceneNum))
	if err := svc.SaveTrajectory(trajectoryPath); err != nil {
		svc.logger.Warnw("unable to save trajectory", "path", trajectoryPath, "error", err)
	}
	return nil
}

// extractAndEnqueue pulls the current mesh out of the engine, compacts
// it, encodes it, and hands it to the delivery queue. Compaction and
// encoding failures indicate a defective upstream mesh and are surfaced
// to the caller rather than swallowed.
func (svc *Service) extractAndEnqueue(ctx context.Context) error {
	ctx, span := trace.StartSpan(ctx, "meshstream::Service::extractAndEnqueue")
	defer span.End()

	raw, err := svc.eng.ExtractMesh(ctx)
	if err != nil {
		return errors.Wrap(err, "error extracting mesh")
	}
	compacted, err := raw.Compact()
	if err != nil {
		return errors.Wrap(err, "error compacting mesh")
	}
	frame, err := wire.Encode(compacted)
	if err != nil {
		return errors.Wrap(err, "error encoding mesh")
	}
	svc.queue.Push(frame)

	min, max := compacted.Bounds()
	svc.logger.Debugw("mesh enqueued",
		"vertices", len(compacted.Vertices),
		"triangles", len(compacted.Triangles),
		"bytes", len(frame),
		"min", min,
		"max", max,
		"queued", svc.queue.Len(),
	)
	return nil
}

// SaveTrajectory writes the current scene's poses in redwood trajectory
// log format: a three-integer metadata line followed by the four rows of
// each 4x4 pose.
func (svc *Service) SaveTrajectory(path string) error {
	poses := svc.Poses()
	//nolint:gosec
	outfile, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "error creating trajectory file %v", path)
	}
	for i, pose := range poses {
		fmt.Fprintf(outfile, "%d %d %d\n", i, i, i+1)
		for r := 0; r < 4; r++ {
			fmt.Fprintf(outfile, "%.8f %.8f %.8f %.8f\n", pose[r][0], pose[r][1], pose[r][2], pose[r][3])
		}
	}
	return outfile.Close()
}

func (svc *Service) appendPose(p engine.Pose) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	svc.poses = append(svc.poses, p)
}

func (svc *Service) setState(s State) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	// a finished driver stays finished
	if svc.state == StateDone {
		return
	}
	svc.state = s
	svc.cond.Broadcast()
}

func (svc *Service) waitWhilePaused(ctx context.Context) error {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	for svc.state == StatePaused && ctx.Err() == nil {
		svc.cond.Wait()
	}
	return ctx.Err()
}
