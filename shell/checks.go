package shell

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/sethvargo/go-retry"
	psnet "github.com/shirou/gopsutil/v3/net"
	psprocess "github.com/shirou/gopsutil/v3/process"

	"github.com/nerrad567/shellkit/ports"
	"github.com/nerrad567/shellkit/processes"
)

// portCheckInterval is the pause between connection probes of the check ports.
const portCheckInterval = 1500 * time.Millisecond

var errPortsPending = errors.New("ports not yet connectable")

// checkListeningPorts is the default start check. It passes once every
// port in CheckPorts accepts a connection.
func (d *Daemon) checkListeningPorts(ctx context.Context, deadline time.Time) (bool, error) {
	if len(d.CheckPorts) == 0 {
		d.logger.Debug(fmt.Sprintf("No ports to check connection to for %s", d))
		return true, nil
	}
	d.logger.Debug(fmt.Sprintf("Listening ports to check for %s: %v", d, d.CheckPorts))

	pending := make(map[int]struct{}, len(d.CheckPorts))
	for _, p := range d.CheckPorts {
		pending[p] = struct{}{}
	}

	checkCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	started := time.Now()
	err := retry.Do(checkCtx, retry.NewConstant(portCheckInterval), func(ctx context.Context) error {
		if !d.IsRunning() {
			return newFailure(ErrFactoryNotStarted, nil, "%s is no longer running", d)
		}
		for p := range ports.GetConnectablePortsContext(ctx, portList(pending)) {
			delete(pending, p)
		}
		if len(pending) > 0 {
			return retry.RetryableError(errPortsPending)
		}
		return nil
	})

	switch {
	case err == nil:
		d.logger.Debug(fmt.Sprintf("All listening ports checked for %s: %v", d, d.CheckPorts))
		return true, nil
	case errors.Is(err, ErrFactoryNotStarted):
		return false, err
	default:
		d.logger.Error(fmt.Sprintf("Failed to check ports after %1.2f seconds for %s. Remaining ports to check: %v",
			time.Since(started).Seconds(), d, portList(pending)))
		return false, nil
	}
}

func portList(set map[int]struct{}) []int {
	list := make([]int, 0, len(set))
	for p := range set {
		list = append(list, p)
	}
	sort.Ints(list)
	return list
}

// terminateListeners kills processes left listening on CheckPorts after
// the daemon was terminated, such as orphaned grandchildren.
func (d *Daemon) terminateListeners() error {
	if len(d.CheckPorts) == 0 {
		return nil
	}
	ctx := context.Background()

	found, err := listeningProcesses(ctx, d.CheckPorts)
	if err != nil {
		return fmt.Errorf("listing connections: %w", err)
	}
	if len(found) == 0 {
		d.logger.Debug(fmt.Sprintf("No astray processes were found listening on ports: %v", d.CheckPorts))
		return nil
	}

	pids := make([]int32, 0, len(found))
	for _, p := range found {
		pids = append(pids, p.Pid)
	}
	d.logger.Debug(fmt.Sprintf("The following processes were found listening on ports %v: %v", d.CheckPorts, pids))
	processes.NewTerminator(d.logger).TerminateProcessList(ctx, found, true, false)
	return nil
}

// listeningProcesses returns the processes, other than this one, with a
// socket in LISTEN state on one of portNumbers.
func listeningProcesses(ctx context.Context, portNumbers []int) ([]*psprocess.Process, error) {
	conns, err := psnet.ConnectionsWithContext(ctx, "inet")
	if err != nil {
		return nil, err
	}

	want := make(map[uint32]struct{}, len(portNumbers))
	for _, p := range portNumbers {
		want[uint32(p)] = struct{}{} //nolint:gosec // Ports fit in uint32
	}
	self := int32(os.Getpid()) //nolint:gosec // Pids fit in int32

	seen := make(map[int32]struct{})
	var found []*psprocess.Process
	for _, c := range conns {
		if c.Status != "LISTEN" || c.Pid == 0 || c.Pid == self {
			continue
		}
		if _, ok := want[c.Laddr.Port]; !ok {
			continue
		}
		if _, ok := seen[c.Pid]; ok {
			continue
		}
		seen[c.Pid] = struct{}{}

		p, err := psprocess.NewProcessWithContext(ctx, c.Pid)
		if err != nil {
			continue
		}
		found = append(found, p)
	}
	return found, nil
}
