package main

import (
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/WilliamQf-AI/zoe"
	"github.com/WilliamQf-AI/zoe/internal/output"
	"github.com/WilliamQf-AI/zoe/internal/utils"
)

var (
	cfgFile        string
	outputPath     string
	threadNum      int
	headers        []string
	proxyURL       string
	cookieList     string
	caPath         string
	insecure       bool
	connectTimeout time.Duration
	maxSpeed       int64
	diskCache      int64
	expectedHash   string
	hashTypeName   string
	verifyPolicy   string
	savePolicy     string
	tmpExtension   string
	infoRetries    int
	sliceRetries   int
	minSliceSize   int64
	maxSliceCount  int
	noHead         bool
	batchFile      string
	debug          bool
)

var ZoeVersion = "dev"

var rootCmd = &cobra.Command{
	Use:     "zoe [flags] URL",
	Short:   "Zoe is a resumable multi-slice download manager",
	Version: ZoeVersion,
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		zoe.GlobalInit()
		defer zoe.GlobalUnInit()
		utils.InitLogger(debug)
		applyConfigFile(cmd)

		if len(args) == 0 && batchFile == "" {
			output.PrintError("No URL or batch list provided")
			return fmt.Errorf("nothing to download")
		}
		if len(args) > 0 && batchFile != "" {
			output.PrintError("Cannot combine a URL argument with --batch, choose one")
			return fmt.Errorf("conflicting arguments")
		}

		var entries []downloadEntry
		if batchFile != "" {
			var err error
			entries, err = readDownloadList(batchFile)
			if err != nil {
				output.PrintError("Failed to read batch list: " + err.Error())
				return err
			}
		} else {
			if _, err := url.Parse(args[0]); err != nil {
				output.PrintError("Invalid URL format")
				return err
			}
			entries = []downloadEntry{{URL: args[0], Output: outputPath}}
		}

		stopEvent := zoe.NewStopEvent()
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigCh
			output.PrintWarning("Interrupt received, stopping...")
			stopEvent.Set()
		}()

		failed := 0
		for _, entry := range entries {
			if stopEvent.IsSet() {
				failed++
				continue
			}
			if err := downloadOne(entry, stopEvent); err != nil {
				failed++
			}
		}
		if failed > 0 {
			output.PrintError(fmt.Sprintf("%d download(s) did not succeed", failed))
			return fmt.Errorf("%d download(s) failed", failed)
		}
		return nil
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "Config file with flag defaults (default $HOME/.zoe.yaml)")
	flags.StringVarP(&outputPath, "output", "o", "", "Target file path")
	flags.IntVarP(&threadNum, "threads", "t", 3, "Number of concurrent range requests")
	flags.StringArrayVarP(&headers, "header", "H", nil, "Custom header 'Key: Value' (repeatable)")
	flags.StringVar(&proxyURL, "proxy", "", "Proxy URL (e.g. http://127.0.0.1:8080)")
	flags.StringVar(&cookieList, "cookie", "", "Cookie header value sent with every request")
	flags.StringVar(&caPath, "ca-path", "", "PEM bundle for TLS verification")
	flags.BoolVarP(&insecure, "insecure", "k", false, "Skip TLS certificate verification")
	flags.DurationVar(&connectTimeout, "connect-timeout", 3*time.Second, "Connection timeout")
	flags.Int64Var(&maxSpeed, "max-speed", -1, "Download speed cap in bytes/s (-1 unlimited)")
	flags.Int64Var(&diskCache, "disk-cache", 20*1024*1024, "Total disk cache size in bytes")
	flags.StringVar(&expectedHash, "hash", "", "Expected digest of the finished file")
	flags.StringVar(&hashTypeName, "hash-type", "md5", "Digest algorithm: md5, crc32, sha1, sha256")
	flags.StringVar(&verifyPolicy, "verify", "if-available", "Hash verification: never, always, if-available")
	flags.StringVar(&savePolicy, "save-policy", "save", "Partial slices on stop/failure: discard, save")
	flags.StringVar(&tmpExtension, "tmp-ext", "", "Temporary extension until success (e.g. .part)")
	flags.IntVar(&infoRetries, "retries", 1, "Extra attempts for the file-info probe")
	flags.IntVar(&sliceRetries, "slice-retries", 3, "Max failures per slice before giving up")
	flags.Int64Var(&minSliceSize, "min-slice-size", 16*1024, "Smallest permitted slice in bytes")
	flags.IntVar(&maxSliceCount, "max-slice-count", 100, "Upper bound on slice count")
	flags.BoolVar(&noHead, "no-head", false, "Probe with a body-less GET instead of HEAD")
	flags.StringVar(&batchFile, "batch", "", "YAML list of downloads")
	flags.BoolVar(&debug, "debug", false, "Enable debug logging")
}

// applyConfigFile lets a viper config file override the built-in flag
// defaults; explicitly passed flags always win.
func applyConfigFile(cmd *cobra.Command) {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return
		}
		viper.AddConfigPath(home)
		viper.SetConfigName(".zoe")
		viper.SetConfigType("yaml")
	}
	viper.SetEnvPrefix("zoe")
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		return
	}
	flags := cmd.Flags()
	for key := range viper.AllSettings() {
		if f := flags.Lookup(key); f != nil && !f.Changed {
			flags.Set(key, viper.GetString(key))
		}
	}
}

func parseHashType(name string) zoe.HashType {
	switch strings.ToLower(name) {
	case "crc32":
		return zoe.CRC32
	case "sha1":
		return zoe.SHA1
	case "sha256":
		return zoe.SHA256
	default:
		return zoe.MD5
	}
}

func parseVerifyPolicy(name string) zoe.HashVerifyPolicy {
	switch strings.ToLower(name) {
	case "never":
		return zoe.NeverVerify
	case "always":
		return zoe.AlwaysVerify
	default:
		return zoe.OnlyIfAvailable
	}
}

func parseSavePolicy(name string) zoe.UncompletedSliceSavePolicy {
	if strings.EqualFold(name, "discard") {
		return zoe.AlwaysDiscard
	}
	return zoe.SaveExceptFailed
}

func targetPathFor(entry downloadEntry) string {
	if entry.Output != "" {
		return entry.Output
	}
	parsed, err := url.Parse(entry.URL)
	if err == nil {
		if base := filepath.Base(parsed.Path); base != "." && base != "/" && base != "" {
			return base
		}
	}
	return "download"
}

func downloadOne(entry downloadEntry, stopEvent *zoe.StopEvent) error {
	target := targetPathFor(entry)
	output.PrintInfo(fmt.Sprintf("Downloading %s -> %s", entry.URL, target))

	z := zoe.New()
	z.SetThreadNum(threadNum)
	z.SetDiskCacheSize(diskCache)
	z.SetMaxSpeed(maxSpeed)
	z.SetHTTPHeaders(utils.ParseHeaderArgs(headers))
	z.SetProxy(proxyURL)
	z.SetCookieList(cookieList)
	z.SetCAPath(caPath)
	z.SetVerifyPeerCertificate(!insecure)
	z.SetVerifyPeerHost(!insecure)
	z.SetNetworkConnTimeout(connectTimeout)
	z.SetFetchFileInfoRetry(infoRetries)
	z.SetSliceMaxFailedTimes(sliceRetries)
	z.SetMinSliceSize(minSliceSize)
	z.SetMaxSliceCount(maxSliceCount)
	z.SetUncompletedSliceSavePolicy(parseSavePolicy(savePolicy))
	z.SetTmpFileExtension(tmpExtension)
	z.SetUserStopEvent(stopEvent)
	z.SetUseHeadMethodFetchFileInfo(!noHead)
	z.SetHashVerifyPolicy(parseVerifyPolicy(verifyPolicy), parseHashType(hashTypeName), expectedHash)

	var lastSpeed atomic.Int64
	barWidth := min(40, output.TerminalWidth()/2)

	resultCh := z.Start(entry.URL, target,
		nil,
		func(total, downloaded int64) {
			if total > 0 {
				fmt.Printf("\r%s %s / %s %s   ",
					output.ProgressBar(downloaded, total, barWidth),
					utils.FormatBytes(uint64(downloaded)),
					utils.FormatBytes(uint64(total)),
					utils.FormatSpeed(lastSpeed.Load()))
			} else {
				fmt.Printf("\r%s downloaded %s   ",
					utils.FormatBytes(uint64(downloaded)),
					utils.FormatSpeed(lastSpeed.Load()))
			}
		},
		func(bytesPerSec int64) {
			lastSpeed.Store(bytesPerSec)
		},
		func(msg string) {
			if debug {
				log := utils.GetLogger("verbose")
				log.Debug().Msg(strings.TrimSpace(msg))
			}
		})

	result := <-resultCh
	fmt.Println()
	if result == zoe.Successed {
		output.PrintSuccess(output.StyleSymbols["pass"] + " " + target)
		return nil
	}
	output.PrintError(fmt.Sprintf("%s %s: %s", output.StyleSymbols["fail"], target, zoe.GetResultString(result)))
	return fmt.Errorf("download failed: %s", zoe.GetResultString(result))
}
