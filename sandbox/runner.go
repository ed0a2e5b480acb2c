package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"

	"github.com/D-Astudillo-ASC/collaborative-editor/common"
	"github.com/D-Astudillo-ASC/collaborative-editor/queue"
)

const (
	memoryLimitBytes = 256 << 20 // 256 MiB
	nanoCPUQuota     = 1_000_000_000
	tmpfsSpec        = "rw,size=10m"
	pidsLimit        = int64(64)
	sandboxUser      = "65534:65534" // nobody
)

// Runner executes jobs in ephemeral docker containers with no network,
// a read-only root filesystem, and hard CPU/memory/output limits. Code
// reaches the container over stdin, never a mount.
type Runner struct {
	cli       *client.Client
	langs     map[string]Language
	outputMax int
	logger    *logrus.Entry

	mu            sync.Mutex
	engineOK      bool
	missingImages map[string]bool
}

func NewRunner(langs map[string]Language, outputMax int) (*Runner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating container engine client: %w", err)
	}
	return &Runner{
		cli:           cli,
		langs:         langs,
		outputMax:     outputMax,
		logger:        common.Logger.WithField("component", "sandbox"),
		missingImages: make(map[string]bool),
	}, nil
}

// Probe checks engine reachability and image presence at startup.
// Failures downgrade to sandbox_unavailable at the API rather than
// degrading silently to a less isolated path.
func (r *Runner) Probe(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.cli.Ping(ctx); err != nil {
		r.engineOK = false
		r.logger.WithError(err).Warn("container engine unreachable; execution disabled")
		return
	}
	r.engineOK = true

	for name, lang := range r.langs {
		if _, _, err := r.cli.ImageInspectWithRaw(ctx, lang.Image); err != nil {
			r.missingImages[name] = true
			r.logger.WithFields(logrus.Fields{"language": name, "image": lang.Image}).
				Warn("sandbox image missing; language disabled")
		} else {
			delete(r.missingImages, name)
		}
	}
}

// Available reports whether the engine is reachable and the language's
// image is present.
func (r *Runner) Available(language string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.engineOK && !r.missingImages[language]
}

// Run implements queue.Runner. It never returns an error: every failure
// mode is a deterministic Result.
func (r *Runner) Run(ctx context.Context, job *queue.Job) queue.Result {
	start := time.Now()
	fail := func(stderr string) queue.Result {
		return queue.Result{
			Status:   queue.StatusFailed,
			Stderr:   stderr,
			ExitCode: -1,
			Elapsed:  time.Since(start).Milliseconds(),
		}
	}

	lang, ok := r.langs[job.Language]
	if !ok {
		return fail(fmt.Sprintf("unsupported language %q", job.Language))
	}
	if !r.Available(job.Language) {
		return fail("sandbox unavailable")
	}
	cmd, err := buildCommand(lang, job.Code)
	if err != nil {
		return fail(err.Error())
	}

	runCtx, cancel := context.WithTimeout(ctx, job.Timeout())
	defer cancel()

	created, err := r.cli.ContainerCreate(ctx,
		&container.Config{
			Image:           lang.Image,
			Cmd:             []string{"/bin/sh", "-c", cmd},
			Env:             lang.Env,
			User:            sandboxUser,
			WorkingDir:      "/tmp",
			AttachStdin:     true,
			AttachStdout:    true,
			AttachStderr:    true,
			OpenStdin:       true,
			StdinOnce:       true,
			NetworkDisabled: true,
		},
		&container.HostConfig{
			NetworkMode:    "none",
			ReadonlyRootfs: true,
			Tmpfs:          map[string]string{"/tmp": tmpfsSpec},
			CapDrop:        []string{"ALL"},
			SecurityOpt:    []string{"no-new-privileges"},
			Resources: container.Resources{
				Memory:    memoryLimitBytes,
				NanoCPUs:  nanoCPUQuota,
				PidsLimit: ptr(pidsLimit),
			},
		},
		&network.NetworkingConfig{},
		&ocispec.Platform{},
		"",
	)
	if err != nil {
		r.logger.WithError(err).Error("container create failed")
		return fail("sandbox unavailable")
	}
	containerID := created.ID
	defer func() {
		rmCtx, rmCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer rmCancel()
		if err := r.cli.ContainerRemove(rmCtx, containerID, container.RemoveOptions{Force: true}); err != nil {
			r.logger.WithError(err).Warn("container remove failed")
		}
	}()

	attach, err := r.cli.ContainerAttach(ctx, containerID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return fail("sandbox unavailable")
	}
	defer attach.Close()

	if err := r.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fail("sandbox unavailable")
	}

	// Feed the code and signal EOF; the wrapper's `cat` terminates on
	// stream close.
	go func() {
		io.Copy(attach.Conn, bytes.NewReader([]byte(job.Code)))
		attach.CloseWrite()
	}()

	capt := newCapture(r.outputMax)
	copyDone := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(capt.stdoutWriter(), capt.stderrWriter(), attach.Reader)
		copyDone <- err
	}()

	statusCh, errCh := r.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	kill := func() {
		killCtx, killCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer killCancel()
		if err := r.cli.ContainerKill(killCtx, containerID, "KILL"); err != nil {
			r.logger.WithError(err).Warn("container kill failed")
		}
	}

	select {
	case <-runCtx.Done():
		kill()
		stdout, stderr := capt.contents()
		return queue.Result{
			Status:   queue.StatusTimeout,
			Stdout:   stdout,
			Stderr:   stderr,
			ExitCode: -1,
			Elapsed:  time.Since(start).Milliseconds(),
		}

	case <-capt.overflow:
		kill()
		stdout, stderr := capt.contents()
		return queue.Result{
			Status:   queue.StatusFailed,
			Reason:   queue.ReasonOutputLimit,
			Stdout:   stdout,
			Stderr:   stderr,
			ExitCode: -1,
			Elapsed:  time.Since(start).Milliseconds(),
		}

	case err := <-errCh:
		r.logger.WithError(err).Error("container wait failed")
		return fail("sandbox unavailable")

	case status := <-statusCh:
		<-copyDone // drain remaining output before reading buffers
		stdout, stderr := capt.contents()
		elapsed := time.Since(start).Milliseconds()
		switch {
		case status.StatusCode == 0:
			return queue.Result{
				Status:  queue.StatusCompleted,
				Stdout:  stdout,
				Stderr:  stderr,
				Elapsed: elapsed,
			}
		case status.StatusCode == compileFailExit && lang.Compiled:
			return queue.Result{
				Status:   queue.StatusFailed,
				Reason:   queue.ReasonCompileError,
				Stdout:   stdout,
				Stderr:   stderr,
				ExitCode: int(status.StatusCode),
				Elapsed:  elapsed,
			}
		default:
			return queue.Result{
				Status:   queue.StatusFailed,
				Stdout:   stdout,
				Stderr:   stderr,
				ExitCode: int(status.StatusCode),
				Elapsed:  elapsed,
			}
		}
	}
}

func ptr[T any](v T) *T { return &v }

// capture buffers stdout and stderr against a shared byte budget and
// trips overflow exactly once when the combined output exceeds it.
type capture struct {
	mu       sync.Mutex
	limit    int
	used     int
	stdout   bytes.Buffer
	stderr   bytes.Buffer
	overflow chan struct{}
	once     sync.Once
}

func newCapture(limit int) *capture {
	return &capture{limit: limit, overflow: make(chan struct{})}
}

type captureWriter struct {
	c   *capture
	buf *bytes.Buffer
}

func (w captureWriter) Write(p []byte) (int, error) {
	w.c.mu.Lock()
	defer w.c.mu.Unlock()

	room := w.c.limit - w.c.used
	if room <= 0 {
		w.c.trip()
		return len(p), nil // swallow; the container is being killed
	}
	n := len(p)
	if n > room {
		n = room
	}
	w.buf.Write(p[:n])
	w.c.used += n
	if n < len(p) {
		w.c.trip()
	}
	return len(p), nil
}

func (c *capture) trip() {
	c.once.Do(func() { close(c.overflow) })
}

func (c *capture) stdoutWriter() io.Writer { return captureWriter{c: c, buf: &c.stdout} }
func (c *capture) stderrWriter() io.Writer { return captureWriter{c: c, buf: &c.stderr} }

func (c *capture) contents() (string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stdout.String(), c.stderr.String()
}
