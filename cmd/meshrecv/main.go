// Package main implements a reference receiver for the mesh wire
// protocol. It accepts TCP connections, decodes frames as they arrive,
// logs mesh statistics, and optionally dumps each mesh as a PLY file.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.viam.com/utils"

	"github.com/densefusion/meshstream/mesh"
	"github.com/densefusion/meshstream/wire"
)

func main() {
	utils.ContextualMain(mainWithArgs, golog.NewLogger("meshrecv"))
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) error {
	flags := flag.NewFlagSet("meshrecv", flag.ContinueOnError)
	addr := flags.String("addr", "localhost:65432", "address to listen on")
	dump := flags.String("dump", "", "directory to write received meshes to as PLY files")
	if err := flags.Parse(args[1:]); err != nil {
		return err
	}

	listener, err := net.Listen("tcp", *addr)
	if err != nil {
		return errors.Wrapf(err, "error listening on %v", *addr)
	}
	// the exact phrasing is parsed by the service when it launches this
	// process on localhost:0
	logger.Infof("listening on %v", listener.Addr())

	var activeBackgroundWorkers sync.WaitGroup
	activeBackgroundWorkers.Add(1)
	utils.PanicCapturingGo(func() {
		defer activeBackgroundWorkers.Done()
		<-ctx.Done()
		if err := listener.Close(); err != nil {
			logger.Debugw("closing listener returned an error", "error", err)
		}
	})

	var frameIndex int64
	for {
		conn, err := listener.Accept()
		if err != nil {
			break
		}
		activeBackgroundWorkers.Add(1)
		utils.PanicCapturingGo(func() {
			defer activeBackgroundWorkers.Done()
			defer func() {
				if err := conn.Close(); err != nil {
					logger.Debugw("closing connection returned an error", "error", err)
				}
			}()
			handleConn(conn, *dump, &frameIndex, logger)
		})
	}

	activeBackgroundWorkers.Wait()
	return nil
}

func handleConn(conn net.Conn, dump string, frameIndex *int64, logger golog.Logger) {
	for {
		m, err := wire.ReadFrame(conn)
		if err != nil {
			logger.Debugw("connection finished", "remote", conn.RemoteAddr(), "error", err)
			return
		}
		idx := atomic.AddInt64(frameIndex, 1) - 1
		min, max := m.Bounds()
		logger.Infow("received mesh",
			"frame", idx,
			"vertices", len(m.Vertices),
			"triangles", len(m.Triangles),
			"min", min,
			"max", max,
		)
		if dump == "" {
			continue
		}
		if err := dumpMesh(m, dump, idx); err != nil {
			logger.Warnw("unable to dump mesh", "frame", idx, "error", err)
		}
	}
}

func dumpMesh(m mesh.Mesh, dir string, idx int64) error {
	path := filepath.Join(dir, fmt.Sprintf("mesh_%04d.ply", idx))
	//nolint:gosec
	outfile, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := m.WritePLY(outfile); err != nil {
		utils.UncheckedErrorFunc(outfile.Close)
		return err
	}
	return outfile.Close()
}
