package cmd

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	u "net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/driftbyte/medley/internal/engine"
	"github.com/driftbyte/medley/internal/manifest"
	"github.com/driftbyte/medley/internal/output"
	"github.com/driftbyte/medley/internal/transport"
	"github.com/driftbyte/medley/internal/utils"
)

var (
	outputPath    string
	batchFile     string
	workers       int
	connections   int
	chunkSize     int64
	retries       int
	timeout       time.Duration
	userAgent     string
	proxyURL      string
	proxyUsername string
	proxyPassword string
	quality       string
	requestRate   float64
	headers       []string
	cleanOutput   bool
	debug         bool
)

const masterKeyEnv = "MEDLEY_MASTER_KEY"

var MedleyVersion = "dev"

var rootCmd = &cobra.Command{
	Use:     "medley",
	Short:   "Medley is a fast CLI download engine for plain and segmented media",
	Version: MedleyVersion,
	Args:    cobra.ArbitraryArgs,
	Run: func(cmd *cobra.Command, args []string) {
		utils.InitLogger(debug)
		if !debug {
			// The progress display owns the terminal; keep logs off it.
			utils.SetLogOutput(io.Discard)
		}
		if cleanOutput {
			if err := utils.CleanTemp(outputPath); err != nil {
				output.PrintError("Error cleaning up temporary files")
				os.Exit(1)
			}
			output.PrintSuccess("Temporary files cleaned up")
			return
		}
		if len(args) == 0 && batchFile == "" {
			output.PrintError("No URL or batch file provided")
			os.Exit(1)
		}
		if batchFile != "" && len(args) > 0 {
			output.PrintError("Cannot specify url argument and --batch together, choose one")
			os.Exit(1)
		}
		// Proxy auth may come inline in the URL
		parsedProxy, err := u.Parse(proxyURL)
		if err == nil && parsedProxy.User != nil && proxyUsername == "" {
			proxyUsername = parsedProxy.User.Username()
			if password, set := parsedProxy.User.Password(); set {
				proxyPassword = password
			}
			parsedProxy.User = nil
			proxyURL = parsedProxy.String()
		}
		proxy, err := transport.ParseProxyURL(proxyURL)
		if err != nil {
			output.PrintError(fmt.Sprintf("Invalid proxy: %v", err))
			os.Exit(1)
		}
		if proxyUsername != "" {
			proxy.Username = proxyUsername
			proxy.Password = proxyPassword
		}
		masterKey, err := readMasterKey()
		if err != nil {
			output.PrintError(fmt.Sprintf("Invalid %s: %v", masterKeyEnv, err))
			os.Exit(1)
		}

		var entries []utils.DownloadEntry
		if batchFile != "" {
			entries, err = utils.ReadDownloadList(batchFile)
			if err != nil {
				output.PrintError("Failed to read batch file")
				os.Exit(1)
			}
			output.PrintInfo(fmt.Sprintf("Loaded %d entries from %s", len(entries), batchFile))
		} else {
			if outputPath != "" && len(args) > 1 {
				output.PrintError("Cannot use --output with multiple URLs")
				os.Exit(1)
			}
			for _, arg := range args {
				if _, err := u.Parse(arg); err != nil {
					output.PrintError(fmt.Sprintf("Invalid URL format: %s", arg))
					os.Exit(1)
				}
				entries = append(entries, utils.DownloadEntry{Resource: arg, OutputPath: outputPath, Quality: quality})
			}
		}
		if err := runDownloads(entries, proxy, masterKey); err != nil {
			fmt.Println()
			output.PrintError("Encountered failed operation(s)")
			os.Exit(1)
		}
	},
}

func runDownloads(entries []utils.DownloadEntry, proxy transport.ProxyConfig, masterKey []byte) error {
	ctx := context.Background()
	headerMap := utils.ParseHeaderArgs(headers)

	resolverClient, err := transport.NewClient(transport.ClientConfig{
		Timeout:   timeout,
		UserAgent: userAgent,
		Headers:   headerMap,
		Proxy:     proxy,
	})
	if err != nil {
		return err
	}
	defer resolverClient.Close()
	resolver := &manifest.HTTPResolver{Client: resolverClient}

	eng := engine.New(engine.Config{
		MaxConcurrentTasks: workers,
		ConnectionsPerTask: connections,
		MaxChunkSize:       chunkSize,
		MaxRetries:         retries,
		Timeout:            timeout,
		UserAgent:          userAgent,
		RequestRate:        requestRate,
		MasterKey:          masterKey,
	})
	output.PrintHeader(fmt.Sprintf("Medley %s starting %d download(s)", MedleyVersion, len(entries)))
	display := output.NewDisplay()
	display.Start()

	var failures int
	var tasks []*engine.Task
	for _, entry := range entries {
		m, err := resolver.Resolve(ctx, entry.Resource, entry.Quality)
		if err != nil {
			output.PrintError(fmt.Sprintf("Failed to resolve %s: %v", entry.Resource, err))
			failures++
			continue
		}
		dest := entry.OutputPath
		if dest == "" {
			dest = inferOutputPath(entry.Resource)
		}
		if _, err := os.Stat(dest); err == nil {
			dest = utils.RenewOutputPath(dest)
		}
		task, err := eng.Submit(engine.TaskSpec{
			Manifest: m,
			Dest:     dest,
			Proxy:    proxy,
			Headers:  headerMap,
		})
		if err != nil {
			output.PrintError(fmt.Sprintf("Failed to submit %s: %v", entry.Resource, err))
			failures++
			continue
		}
		display.Track(task)
		tasks = append(tasks, task)
	}

	eng.Wait()
	display.Stop()
	display.Summary()
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_ = eng.Shutdown(shutdownCtx)

	for _, t := range tasks {
		if t.State() != engine.StateCompleted {
			failures++
		}
	}
	if failures > 0 {
		return fmt.Errorf("%d operation(s) failed", failures)
	}
	return nil
}

func inferOutputPath(resource string) string {
	parsed, err := u.Parse(resource)
	if err == nil {
		if base := filepath.Base(parsed.Path); base != "." && base != "/" && base != "" {
			if strings.HasSuffix(base, ".m3u8") {
				return strings.TrimSuffix(base, ".m3u8") + ".ts"
			}
			return base
		}
	}
	return "download.bin"
}

func readMasterKey() ([]byte, error) {
	raw := os.Getenv(masterKeyEnv)
	if raw == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("expected hex encoding: %w", err)
	}
	return key, nil
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path (Medley infers file name if not provided)")
	rootCmd.Flags().StringVarP(&batchFile, "batch", "l", "", "Path to YAML file containing resources and output paths")
	rootCmd.Flags().IntVarP(&workers, "workers", "w", 3, "Number of downloads to run in parallel")
	rootCmd.Flags().IntVarP(&connections, "connections", "c", 4, "Number of connections per download")
	rootCmd.Flags().Int64Var(&chunkSize, "chunk-size", 4*1024*1024, "Maximum chunk size in bytes for ranged downloads")
	rootCmd.Flags().IntVarP(&retries, "retries", "r", 5, "Transient retry budget per chunk")
	rootCmd.Flags().DurationVarP(&timeout, "timeout", "t", 3*time.Minute, "Connection timeout (eg. 5s, 10m)")
	rootCmd.Flags().StringVarP(&userAgent, "user-agent", "a", "", "User agent")
	rootCmd.Flags().StringVarP(&proxyURL, "proxy", "p", "", "Proxy URL (http://, https:// or socks5://; scheme-prefixed schemes restrict which requests use it)")
	rootCmd.Flags().StringVar(&proxyUsername, "proxy-username", "", "Proxy username (if not provided in proxy URL)")
	rootCmd.Flags().StringVar(&proxyPassword, "proxy-password", "", "Proxy password (if not provided in proxy URL)")
	rootCmd.Flags().StringVarP(&quality, "quality", "q", "", "Preferred quality for resources that offer variants")
	rootCmd.Flags().Float64Var(&requestRate, "rate", 0, "Maximum requests per second across all downloads (0 = unlimited)")
	rootCmd.Flags().StringArrayVarP(&headers, "header", "H", []string{}, "Custom headers (like 'Authorization: Bearer token'); can be specified multiple times")

	// flags without shorthand
	rootCmd.Flags().BoolVar(&cleanOutput, "clean", false, "Clean up temporary files for provided output path")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
}
