/*
Package cmd provides the marketscan CLI.

The scan command is one worker invocation: the CI driver launches it on a
schedule with a group id, a threat domain, and a wall-clock budget, and
reads the exit code:

	0  completed within budget
	2  completed on timeout with partial work persisted
	10 fatal config error (missing credentials, bad flag)
	20 store unreachable after retries

A crawler binary that uses the defaults requires simply:

	func main() {
		cmd.Execute()
	}
*/
package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	// allow http profile
	_ "net/http/pprof"

	"github.com/alecthomas/log4go"
	"github.com/spf13/cobra"

	"github.com/openconservation/marketscan"
	"github.com/openconservation/marketscan/filestore"
	"github.com/openconservation/marketscan/platforms"
	"github.com/openconservation/marketscan/store"
	"github.com/openconservation/marketscan/threat"
)

// Exit codes the driver acts on.
const (
	ExitOK               = 0
	ExitTimeout          = 2
	ExitConfig           = 10
	ExitStoreUnreachable = 20
)

// Streams holds the i/o functions the test harness can spoof, so command
// tests don't have to capture real stdout or intercept os.Exit.
type Streams struct {
	Printf func(format string, args ...interface{})
	Errorf func(format string, args ...interface{})
	Exit   func(status int)
}

var commander struct {
	*cobra.Command
	Streams  Streams
	Renderer platforms.Renderer
}

// SetStreams replaces the process streams, returning the previous set.
func SetStreams(s Streams) Streams {
	old := commander.Streams
	commander.Streams = s
	return old
}

// SetRenderer installs a headless renderer for infinite-scroll platforms.
func SetRenderer(r platforms.Renderer) {
	commander.Renderer = r
}

// Execute runs the command specified by the command line.
func Execute() {
	commander.Execute()
}

// config is potentially set by CLI below
var config string

func initCommand() {
	if config != "" {
		if err := marketscan.ReadConfigFile(config); err != nil {
			commander.Streams.Errorf("%v\n", err)
			commander.Streams.Exit(ExitConfig)
			return
		}
	} else if marketscan.ConfigLoadErr != nil {
		// The implicit default config file existed but was unusable; fail
		// with the config-error status rather than scanning on half-read
		// settings.
		commander.Streams.Errorf("%v\n", marketscan.ConfigLoadErr)
		commander.Streams.Exit(ExitConfig)
		return
	}

	if os.Getenv("MARKETSCAN_PPROF") == "1" {
		go func() {
			log4go.Debug("pprof enabled, starting http listener")
			err := http.ListenAndServe(":6060", nil)
			if err != nil {
				log4go.Error("Had problem listening for pprof handler: %v", err)
			}
		}()
	}
}

// Options for the scan command.
var (
	scanGroupID          int
	scanBatchSize        int
	scanPlatforms        string
	scanDomain           string
	scanDuration         time.Duration
	scanPriorityPlatform string
	scanBackfillDays     int
)

var scanCommand = &cobra.Command{
	Use:   "scan",
	Short: "Run one scan invocation over the next keyword batch",
	Run: func(cmd *cobra.Command, args []string) {
		initCommand()
		errorf := commander.Streams.Errorf
		exit := commander.Streams.Exit

		domain := marketscan.ThreatDomain(scanDomain)
		if domain != marketscan.DomainWildlife && domain != marketscan.DomainHumanTrafficking {
			errorf("Unknown threat domain %q (want wildlife or human_trafficking)\n", scanDomain)
			exit(ExitConfig)
			return
		}
		if scanGroupID < 1 {
			errorf("--group-id must be >= 1\n")
			exit(ExitConfig)
			return
		}
		if scanBatchSize != 0 {
			marketscan.Config.Keywords.BatchSize = scanBatchSize
		}
		if scanBackfillDays > 0 {
			marketscan.Config.Store.BackfillDays = scanBackfillDays
		}

		tags, err := parsePlatforms(scanPlatforms)
		if err != nil {
			errorf("%v\n", err)
			exit(ExitConfig)
			return
		}
		if scanPriorityPlatform != "" && scanPriorityPlatform != "auto" &&
			!marketscan.KnownPlatform(scanPriorityPlatform) {
			errorf("Unknown priority platform %q\n", scanPriorityPlatform)
			exit(ExitConfig)
			return
		}

		fm := marketscan.NewFetchManager()
		scanners, err := platforms.Build(fm, tags, commander.Renderer)
		if err != nil {
			errorf("%v\n", err)
			exit(ExitConfig)
			return
		}

		var ds marketscan.Datastore
		if marketscan.Config.Store.URL != "" {
			ds, err = store.New(nil)
			if err != nil {
				errorf("%v\n", err)
				exit(ExitConfig)
				return
			}
		} else {
			log4go.Warn("No STORE_URL configured; writing detections to local file store")
			ds, err = filestore.Open(marketscan.Config.Store.FileStoreDir)
			if err != nil {
				errorf("%v\n", err)
				exit(ExitConfig)
				return
			}
		}

		corpus := threat.KeywordsForDomain(domain)
		rotation, err := marketscan.NewRotation(domain, corpus, scanGroupID, marketscan.Config.Keywords.BatchSize)
		if err != nil {
			errorf("%v\n", err)
			exit(ExitConfig)
			return
		}

		seen := marketscan.NewSeenCache(marketscan.Config.Dedupe.Capacity)
		if marketscan.Config.Dedupe.UseSnapshots {
			seen.Load(marketscan.SnapshotPath(domain))
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		sm := &marketscan.ScanManager{
			Domain:           domain,
			Scanners:         scanners,
			Assessor:         threat.NewScorer(),
			Datastore:        ds,
			Rotation:         rotation,
			Seen:             seen,
			Duration:         scanDuration,
			PriorityPlatform: scanPriorityPlatform,
		}

		summary, err := sm.Run(ctx)
		if cerr := ds.Close(); cerr != nil {
			log4go.Warn("Datastore close failed: %v", cerr)
		}
		printSummaryLine(summary)

		switch {
		case summary.FatalError != "":
			exit(ExitStoreUnreachable)
		case err != nil:
			errorf("%v\n", err)
			exit(ExitStoreUnreachable)
		case summary.TimedOut:
			exit(ExitTimeout)
		default:
			exit(ExitOK)
		}
	},
}

func printSummaryLine(s *marketscan.RunSummary) {
	printf := commander.Streams.Printf
	printf("%s group %d: scanned=%d stored=%d dup=%d safe=%d errors=%d cursor+%d in %.0fs\n",
		s.Domain, s.GroupID, s.TotalScanned, s.TotalStored,
		s.DuplicatesCache+s.DuplicatesStore, s.SafeSkipped,
		tallyTotal(s.ErrorsByKind), s.CursorAdvance, s.WallClockSeconds)
}

func tallyTotal(m map[marketscan.ErrorKind]int) int {
	n := 0
	for _, c := range m {
		n += c
	}
	return n
}

func parsePlatforms(arg string) ([]string, error) {
	if arg == "" || arg == "all" {
		return marketscan.AllPlatforms, nil
	}
	var tags []string
	for _, tag := range strings.Split(arg, ",") {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if !marketscan.KnownPlatform(tag) {
			return nil, fmt.Errorf("unknown platform %q", tag)
		}
		tags = append(tags, tag)
	}
	if len(tags) == 0 {
		return nil, fmt.Errorf("no platforms selected")
	}
	return tags, nil
}

// Options for the cursor command.
var (
	cursorDomain string
	cursorGroup  int
	cursorReset  bool
)

var cursorCommand = &cobra.Command{
	Use:   "cursor",
	Short: "Inspect or reset a group's keyword cursor",
	Run: func(cmd *cobra.Command, args []string) {
		initCommand()
		printf := commander.Streams.Printf
		errorf := commander.Streams.Errorf
		exit := commander.Streams.Exit

		domain := marketscan.ThreatDomain(cursorDomain)
		corpus := threat.KeywordsForDomain(domain)
		if len(corpus) == 0 {
			errorf("Unknown threat domain %q\n", cursorDomain)
			exit(ExitConfig)
			return
		}

		rotation, err := marketscan.NewRotation(domain, corpus, cursorGroup, marketscan.Config.Keywords.BatchSize)
		if err != nil {
			errorf("%v\n", err)
			exit(ExitConfig)
			return
		}

		if cursorReset {
			if err := os.Remove(rotation.CursorPath()); err != nil && !os.IsNotExist(err) {
				errorf("Failed to remove cursor %v: %v\n", rotation.CursorPath(), err)
				exit(1)
				return
			}
			printf("Cursor reset for %v group %d\n", domain, cursorGroup)
			exit(ExitOK)
			return
		}

		c := rotation.Cursor()
		printf("Domain:          %v\n", domain)
		printf("Group:           %d\n", c.GroupID)
		printf("CorpusVersion:   %v\n", c.CorpusVersion)
		printf("LastIndex:       %d / %d\n", c.LastIndex, c.TotalKeywords)
		printf("CompletedCycles: %d\n", c.CompletedCycles)
		printf("LastRun:         %v\n", c.LastRun)
		exit(ExitOK)
	},
}

var schemaCommand = &cobra.Command{
	Use:   "schema",
	Short: "Print the detections table DDL the store must provide",
	Run: func(cmd *cobra.Command, args []string) {
		commander.Streams.Printf("%s", store.Schema)
		commander.Streams.Exit(ExitOK)
	},
}

// Version is stamped by the build.
var Version = "dev"

var versionCommand = &cobra.Command{
	Use:   "version",
	Short: "Print the marketscan version",
	Run: func(cmd *cobra.Command, args []string) {
		commander.Streams.Printf("marketscan %s\n", Version)
		commander.Streams.Exit(ExitOK)
	},
}

func init() {
	commander.Command = &cobra.Command{
		Use:   "marketscan",
		Short: "marketscan scans marketplaces for wildlife and human-trafficking listings",
	}

	scanCommand.Flags().IntVarP(&scanGroupID, "group-id", "g", 1, "worker group id (>= 1)")
	scanCommand.Flags().IntVarP(&scanBatchSize, "batch-size", "b", 0, "keywords per invocation (1-200, default from config)")
	scanCommand.Flags().StringVarP(&scanPlatforms, "platforms", "p", "all", "comma-separated platform tags, or 'all'")
	scanCommand.Flags().StringVarP(&scanDomain, "domain", "d", "wildlife", "threat domain: wildlife or human_trafficking")
	scanCommand.Flags().DurationVarP(&scanDuration, "duration", "t", 45*time.Minute, "wall-clock budget for this invocation")
	scanCommand.Flags().StringVar(&scanPriorityPlatform, "priority-platform", "auto", "platform whose pairs are scanned first, or 'auto'")
	scanCommand.Flags().IntVar(&scanBackfillDays, "backfill-days", 0, "accept observed_at up to N days in the past (0 disables)")
	commander.AddCommand(scanCommand)

	cursorCommand.Flags().StringVarP(&cursorDomain, "domain", "d", "wildlife", "threat domain")
	cursorCommand.Flags().IntVarP(&cursorGroup, "group-id", "g", 1, "worker group id")
	cursorCommand.Flags().BoolVar(&cursorReset, "reset", false, "delete the cursor so the group starts fresh")
	commander.AddCommand(cursorCommand)

	commander.AddCommand(schemaCommand)
	commander.AddCommand(versionCommand)

	commander.PersistentFlags().StringVarP(&config, "config", "c", "", "path to a marketscan yaml config file")

	// Default streams
	commander.Streams = Streams{
		Printf: func(format string, args ...interface{}) {
			fmt.Printf(format, args...)
		},
		Errorf: func(format string, args ...interface{}) {
			fmt.Fprintf(os.Stderr, format, args...)
		},
		Exit: func(status int) {
			os.Exit(status)
		},
	}
}
