package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/svcgroup"
	"pkt.systems/svcgroup/internal/kvmember"
	"pkt.systems/svcgroup/internal/loggingutil"
	"pkt.systems/svcgroup/internal/memchannel"
	"pkt.systems/svcgroup/internal/svcfields"
	"pkt.systems/svcgroup/replica"
)

const keysPerMember = 8

type runOptions struct {
	Manifest      string
	Groups        int
	RollbackRatio float64
	Seed          uint64
	Export        bool
	Linger        time.Duration
	Converge      time.Duration
	Telemetry     telemetryConfig
}

func newRunCommand(v *viper.Viper, baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run atomic groups on a primary, copy to a secondary, fail over and verify",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			opts := runOptions{
				Manifest:      v.GetString("manifest"),
				Groups:        v.GetInt("groups"),
				RollbackRatio: v.GetFloat64("rollback-ratio"),
				Seed:          v.GetUint64("seed"),
				Export:        v.GetBool("export"),
				Linger:        v.GetDuration("linger"),
				Converge:      v.GetDuration("converge-timeout"),
				Telemetry: telemetryConfig{
					OTLPEndpoint:   v.GetString("otlp-endpoint"),
					MetricsListen:  v.GetString("metrics-listen"),
					RuntimeMetrics: v.GetBool("runtime-metrics"),
				},
			}
			if opts.Groups < 0 {
				return fmt.Errorf("run: --groups must not be negative")
			}
			if opts.RollbackRatio < 0 || opts.RollbackRatio > 1 {
				return fmt.Errorf("run: --rollback-ratio must be within [0, 1]")
			}
			var (
				m   *manifest
				err error
			)
			if opts.Manifest != "" {
				m, err = loadManifest(opts.Manifest)
			} else {
				m, err = newManifest(defaultMemberNames)
			}
			if err != nil {
				return err
			}
			logger := leveledLogger(v, baseLogger)
			summary, err := runDemo(cmd.Context(), opts, m, logger, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			summary.write(cmd.OutOrStdout())
			return nil
		},
	}
	flags := cmd.Flags()
	flags.String("manifest", "", "member manifest (defaults to "+fmt.Sprint(defaultMemberNames)+" with fresh ids)")
	flags.Int("groups", 100, "number of atomic groups to run")
	flags.Float64("rollback-ratio", 0.2, "fraction of groups that roll back")
	flags.Uint64("seed", 1, "workload seed")
	flags.Bool("export", false, "print every member of the promoted replica as YAML")
	flags.Duration("linger", 0, "keep serving metrics and status after the run")
	flags.Duration("converge-timeout", 10*time.Second, "maximum wait for the secondary to catch up")
	flags.String("metrics-listen", "", "Prometheus metrics and /status listen address (empty disables)")
	flags.Bool("runtime-metrics", false, "export Go runtime metrics (requires --metrics-listen)")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	bindFlags(v, flags, "manifest", "groups", "rollback-ratio", "seed", "export", "linger",
		"converge-timeout", "metrics-listen", "runtime-metrics", "otlp-endpoint")
	return cmd
}

// replicaNode is one replica of the demo partition.
type replicaNode struct {
	name   string
	coord  *svcgroup.Coordinator
	ch     *memchannel.Channel
	stores []*kvmember.Store
}

func newReplicaNode(cluster *memchannel.Cluster, m *manifest, name string, logger pslog.Logger) (*replicaNode, error) {
	n := &replicaNode{name: name, ch: cluster.Add(name)}
	partition, specs, err := m.specs(func(member string) svcgroup.MemberSpec {
		s := kvmember.New(member, loggingutil.WithReplica(logger, m.Partition, name))
		n.stores = append(n.stores, s)
		return svcgroup.MemberSpec{Member: s}
	})
	if err != nil {
		return nil, err
	}
	n.coord, err = svcgroup.New(svcgroup.Config{
		PartitionID: partition,
		ReplicaID:   name,
		Members:     specs,
	}, svcgroup.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	return n, nil
}

// statusBoard serves the status of every replica as JSON.
type statusBoard struct {
	mu    sync.Mutex
	nodes []*replicaNode
}

func (b *statusBoard) add(n *replicaNode) {
	b.mu.Lock()
	b.nodes = append(b.nodes, n)
	b.mu.Unlock()
}

func (b *statusBoard) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	out := make(map[string]svcgroup.Status, len(b.nodes))
	for _, n := range b.nodes {
		out[n.name] = n.coord.Status()
	}
	b.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)
}

type runSummary struct {
	Members       int
	Groups        int
	Committed     int
	RolledBack    int
	Keys          int
	LastSequence  int64
	SnapshotBytes int
	Epoch         replica.Epoch
	MetricsAddr   string
	Elapsed       time.Duration
}

func (s *runSummary) write(w io.Writer) {
	fmt.Fprintf(w, "members:        %d\n", s.Members)
	fmt.Fprintf(w, "groups:         %s (%s committed, %s rolled back)\n",
		humanize.Comma(int64(s.Groups)), humanize.Comma(int64(s.Committed)), humanize.Comma(int64(s.RolledBack)))
	fmt.Fprintf(w, "keys:           %s\n", humanize.Comma(int64(s.Keys)))
	fmt.Fprintf(w, "last sequence:  %d\n", s.LastSequence)
	fmt.Fprintf(w, "epoch:          %s\n", s.Epoch)
	fmt.Fprintf(w, "export size:    %s\n", humanize.Bytes(uint64(s.SnapshotBytes)))
	if s.MetricsAddr != "" {
		fmt.Fprintf(w, "metrics:        http://%s/metrics\n", s.MetricsAddr)
	}
	fmt.Fprintf(w, "elapsed:        %s\n", s.Elapsed.Round(time.Millisecond))
}

// workload runs atomic groups across the members of one replica and keeps
// the expected committed state.
type workload struct {
	rng      *rand.Rand
	ratio    float64
	expected []map[string]string
	summary  *runSummary
}

func newWorkload(seed uint64, ratio float64, members int, summary *runSummary) *workload {
	w := &workload{
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		ratio:    ratio,
		expected: make([]map[string]string, members),
		summary:  summary,
	}
	for i := range w.expected {
		w.expected[i] = make(map[string]string)
	}
	return w
}

func (w *workload) run(ctx context.Context, stores []*kvmember.Store, n int) error {
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.group(ctx, stores); err != nil {
			return err
		}
	}
	return nil
}

func (w *workload) group(ctx context.Context, stores []*kvmember.Store) error {
	perm := w.rng.Perm(len(stores))
	participants := perm[:1+w.rng.IntN(len(stores))]
	groupID, err := stores[participants[0]].Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	writes := make(map[int]map[string]string, len(participants))
	for _, idx := range participants {
		key := fmt.Sprintf("k%02d", w.rng.IntN(keysPerMember))
		value := fmt.Sprintf("g%d", groupID)
		if err := stores[idx].GroupPut(ctx, groupID, key, value); err != nil {
			return fmt.Errorf("group %d put on %s: %w", groupID, stores[idx].Name(), err)
		}
		writes[idx] = map[string]string{key: value}
	}
	terminator := stores[participants[w.rng.IntN(len(participants))]]
	w.summary.Groups++
	if w.rng.Float64() < w.ratio {
		if _, err := terminator.Rollback(ctx, groupID); err != nil {
			return fmt.Errorf("group %d rollback: %w", groupID, err)
		}
		w.summary.RolledBack++
		return nil
	}
	if _, err := terminator.Commit(ctx, groupID); err != nil {
		return fmt.Errorf("group %d commit: %w", groupID, err)
	}
	for idx, kv := range writes {
		maps.Copy(w.expected[idx], kv)
	}
	w.summary.Committed++
	return nil
}

// verify compares the committed state of stores with the expected state.
func (w *workload) verify(stores []*kvmember.Store) error {
	for i, s := range stores {
		got := s.Snapshot().Entries
		if !maps.Equal(got, w.expected[i]) {
			return fmt.Errorf("member %s diverged: %d entries, expected %d", s.Name(), len(got), len(w.expected[i]))
		}
	}
	return nil
}

func runDemo(ctx context.Context, opts runOptions, m *manifest, logger pslog.Logger, out io.Writer) (*runSummary, error) {
	start := time.Now()
	runLog := svcfields.WithSubsystem(logger, "cli.run")
	summary := &runSummary{Members: len(m.Members)}
	board := &statusBoard{}
	opts.Telemetry.Status = board
	telemetry, err := setupTelemetry(ctx, opts.Telemetry, svcfields.WithSubsystem(logger, "cli.telemetry"))
	if err != nil {
		return nil, err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(shutdownCtx)
	}()
	summary.MetricsAddr = telemetry.Addr()

	cluster := memchannel.New(logger)
	primary, err := newReplicaNode(cluster, m, "replica-a", logger)
	if err != nil {
		return nil, err
	}
	secondary, err := newReplicaNode(cluster, m, "replica-b", logger)
	if err != nil {
		return nil, err
	}
	board.add(primary)
	board.add(secondary)
	defer primary.coord.Abort()
	defer secondary.coord.Abort()

	if err := primary.coord.Open(ctx, replica.OpenNew, primary.ch); err != nil {
		return nil, fmt.Errorf("open %s: %w", primary.name, err)
	}
	if err := cluster.SetPrimary(primary.ch); err != nil {
		return nil, err
	}
	if _, err := primary.coord.ChangeRole(ctx, replica.RolePrimary); err != nil {
		return nil, fmt.Errorf("promote %s: %w", primary.name, err)
	}

	work := newWorkload(opts.Seed, opts.RollbackRatio, len(primary.stores), summary)
	before := opts.Groups / 2
	if err := work.run(ctx, primary.stores, before); err != nil {
		return nil, err
	}
	runLog.Info("svcgroupd.run.phase", "phase", "build_secondary", "groups", before)

	if err := secondary.coord.Open(ctx, replica.OpenNew, secondary.ch); err != nil {
		return nil, fmt.Errorf("open %s: %w", secondary.name, err)
	}
	if err := cluster.Copy(ctx, primary.coord, secondary.coord, secondary.ch); err != nil {
		return nil, fmt.Errorf("copy to %s: %w", secondary.name, err)
	}
	for _, role := range []replica.Role{replica.RoleIdleSecondary, replica.RoleActiveSecondary} {
		if _, err := secondary.coord.ChangeRole(ctx, role); err != nil {
			return nil, fmt.Errorf("%s to %s: %w", secondary.name, role, err)
		}
	}
	if err := work.run(ctx, primary.stores, opts.Groups-before); err != nil {
		return nil, err
	}
	if err := work.verify(primary.stores); err != nil {
		return nil, fmt.Errorf("%s: %w", primary.name, err)
	}
	if err := converge(ctx, opts.Converge, work, secondary.stores); err != nil {
		return nil, fmt.Errorf("%s: %w", secondary.name, err)
	}
	runLog.Info("svcgroupd.run.phase", "phase", "failover", "last_sequence_number", cluster.LastSequenceNumber())

	if _, err := primary.coord.ChangeRole(ctx, replica.RoleNone); err != nil {
		return nil, fmt.Errorf("demote %s: %w", primary.name, err)
	}
	if err := primary.coord.Close(ctx); err != nil {
		return nil, fmt.Errorf("close %s: %w", primary.name, err)
	}
	epoch := replica.Epoch{ConfigurationNumber: secondary.coord.Status().Epoch.ConfigurationNumber + 1}
	if err := secondary.coord.UpdateEpoch(ctx, epoch, cluster.LastSequenceNumber()); err != nil {
		return nil, fmt.Errorf("update epoch on %s: %w", secondary.name, err)
	}
	cluster.EndStreams(secondary.ch)
	if err := cluster.SetPrimary(secondary.ch); err != nil {
		return nil, err
	}
	if _, err := secondary.coord.ChangeRole(ctx, replica.RolePrimary); err != nil {
		return nil, fmt.Errorf("promote %s: %w", secondary.name, err)
	}
	if err := work.run(ctx, secondary.stores, 1); err != nil {
		return nil, fmt.Errorf("after failover: %w", err)
	}
	if err := work.verify(secondary.stores); err != nil {
		return nil, fmt.Errorf("%s after failover: %w", secondary.name, err)
	}

	for _, s := range secondary.stores {
		raw, err := s.ExportYAML()
		if err != nil {
			return nil, err
		}
		summary.SnapshotBytes += len(raw)
		summary.Keys += s.Len()
		if opts.Export {
			fmt.Fprintf(out, "---\n%s", raw)
		}
	}
	summary.LastSequence = cluster.LastSequenceNumber()
	summary.Epoch = secondary.coord.Status().Epoch
	summary.Elapsed = time.Since(start)
	runLog.Info("svcgroupd.run.done",
		"groups", summary.Groups,
		"committed", summary.Committed,
		"rolled_back", summary.RolledBack,
		"export_size", humanize.Bytes(uint64(summary.SnapshotBytes)),
	)

	if opts.Linger > 0 && summary.MetricsAddr != "" {
		runLog.Info("svcgroupd.run.linger", "for", opts.Linger, "metrics", summary.MetricsAddr)
		select {
		case <-ctx.Done():
		case <-time.After(opts.Linger):
		}
	}
	if err := secondary.coord.Close(context.WithoutCancel(ctx)); err != nil {
		return nil, fmt.Errorf("close %s: %w", secondary.name, err)
	}
	return summary, nil
}

// converge waits until stores hold the expected committed state.
func converge(ctx context.Context, timeout time.Duration, work *workload, stores []*kvmember.Store) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		err := work.verify(stores)
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("not converged: %w", err)
		case <-ticker.C:
		}
	}
}
