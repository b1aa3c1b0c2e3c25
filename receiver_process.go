package meshstream

import (
	"bufio"
	"context"
	"io"
	"strings"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.viam.com/utils/pexec"
)

const (
	localhost0                = "localhost:0"
	parseAddrMaxTimeoutSec    = 60
	receiverAddrLogLinePrefix = "listening on "
)

func (svc *Service) receiverProcessConfig() pexec.ProcessConfig {
	return pexec.ProcessConfig{
		ID:   "mesh_receiver",
		Name: svc.cfg.ReceiverExecutable,
		Args: []string{
			"-addr=" + svc.receiverAddr,
			"-dump=" + svc.cfg.DataDirectory,
		},
		Log:     true,
		OneShot: false,
	}
}

// startReceiverProcess launches the configured receiver executable. When
// the configured address is localhost:0, the receiver picks its own port
// and the actual address is parsed from its log output.
func (svc *Service) startReceiverProcess(ctx context.Context) error {
	ctx, span := trace.StartSpan(ctx, "meshstream::Service::startReceiverProcess")
	defer span.End()

	processConfig := svc.receiverProcessConfig()

	var logReader io.ReadCloser
	var logWriter io.WriteCloser
	var bufferedLogReader *bufio.Reader
	if svc.receiverAddr == localhost0 {
		logReader, logWriter = io.Pipe()
		bufferedLogReader = bufio.NewReader(logReader)
		processConfig.LogWriter = logWriter
	}

	if _, err := svc.receiverProcess.AddProcessFromConfig(ctx, processConfig); err != nil {
		return errors.Wrap(err, "problem adding receiver process")
	}

	svc.logger.Debug("starting mesh receiver process")

	if err := svc.receiverProcess.Start(ctx); err != nil {
		return errors.Wrap(err, "problem starting receiver process")
	}

	if svc.receiverAddr == localhost0 {
		timeoutCtx, timeoutCancel := context.WithTimeout(ctx, parseAddrMaxTimeoutSec*time.Second)
		defer timeoutCancel()

		defer func(logger golog.Logger) {
			if err := logReader.Close(); err != nil {
				logger.Debugw("closing receiver log reader returned an error", "error", err)
			}
		}(svc.logger)
		defer func(logger golog.Logger) {
			if err := logWriter.Close(); err != nil {
				logger.Debugw("closing receiver log writer returned an error", "error", err)
			}
		}(svc.logger)

		for {
			if err := timeoutCtx.Err(); err != nil {
				return errors.Wrap(err, "error getting address from receiver process")
			}

			line, err := bufferedLogReader.ReadString('\n')
			if err != nil {
				return errors.Wrap(err, "error getting address from receiver process")
			}
			if !strings.Contains(line, receiverAddrLogLinePrefix) {
				continue
			}
			linePieces := strings.Split(line, receiverAddrLogLinePrefix)
			if len(linePieces) != 2 {
				return errors.Errorf("failed to parse address from receiver process log line: %v", line)
			}
			svc.receiverAddr = strings.TrimSpace(linePieces[1])
			break
		}
	}

	return nil
}

// stopReceiverProcess stops the receiver process if one was launched.
func (svc *Service) stopReceiverProcess() error {
	if err := svc.receiverProcess.Stop(); err != nil {
		return errors.Wrap(err, "problem stopping receiver process")
	}
	return nil
}
