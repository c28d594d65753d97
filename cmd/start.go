package cmd

import (
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tamias-dev/tamias/internal/config"
	"github.com/tamias-dev/tamias/internal/daemon"
)

// startHealthTimeout bounds how long "start --daemon" waits for the child to
// pass its health check before giving up.
const startHealthTimeout = 15 * time.Second

func startCmd() *cobra.Command {
	var daemonize bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the daemon",
		Long:  "Start the daemon in the foreground, or detached with --daemon.",
		Run: func(cmd *cobra.Command, args []string) {
			if daemonize {
				os.Exit(startDetached())
			}
			if code := runDaemon(); code != 0 {
				os.Exit(code)
			}
		},
	}
	cmd.Flags().BoolVar(&daemonize, "daemon", false, "detach and run in the background")
	return cmd
}

// startDetached re-executes the binary in a new session and waits for its
// health check. Returns a process exit code.
func startDetached() int {
	paths := config.DefaultPaths()

	// A responding daemon means nothing to do. A daemon.json nobody answers
	// for is stale and gets removed.
	if info, err := daemon.ReadInfo(paths); err == nil {
		if healthy(info.Port) {
			fmt.Printf("daemon already running (pid %d, port %d)\n", info.PID, info.Port)
			return 0
		}
		os.Remove(paths.DaemonFile())
	}

	exe, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "tamias: resolve executable: %v\n", err)
		return 1
	}

	args := []string{"start"}
	if verbose {
		args = append(args, "--verbose")
	}
	child := exec.Command(exe, args...)
	child.Env = append(os.Environ(), daemonizedEnv+"=1")
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := child.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "tamias: spawn daemon: %v\n", err)
		return 1
	}
	pid := child.Process.Pid
	child.Process.Release()

	// The daemon counts as started only once /health answers 200.
	deadline := time.Now().Add(startHealthTimeout)
	for time.Now().Before(deadline) {
		if info, err := daemon.ReadInfo(paths); err == nil && info.PID == pid && healthy(info.Port) {
			fmt.Printf("daemon started (pid %d, port %d)\n", info.PID, info.Port)
			return 0
		}
		time.Sleep(200 * time.Millisecond)
	}
	fmt.Fprintf(os.Stderr, "tamias: daemon did not become healthy within %s, check %s\n",
		startHealthTimeout, paths.DaemonLog())
	return 1
}

func healthy(port int) bool {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/health", port))
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
