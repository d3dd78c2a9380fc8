package types

import (
	"time"

	"github.com/WilliamQf-AI/zoe/internal/event"
)

// Result is the terminal status of one download, delivered exactly once per
// Start through the result callback and the returned channel.
type Result int

const (
	Successed Result = iota
	Canceled
	FetchFileInfoFailed
	CreateTargetFileFailed
	InitMultiFailed
	HashVerifyFailed
	OpenIndexFileFailed
	WriteIndexFileFailed
	OpenTargetFileFailed
	UnknownError
)

var resultStrings = map[Result]string{
	Successed:              "SUCCESSED",
	Canceled:               "CANCELED",
	FetchFileInfoFailed:    "FETCH_FILE_INFO_FAILED",
	CreateTargetFileFailed: "CREATE_TARGET_FILE_FAILED",
	InitMultiFailed:        "INIT_MULTI_FAILED",
	HashVerifyFailed:       "HASH_VERIFY_FAILED",
	OpenIndexFileFailed:    "OPEN_INDEX_FILE_FAILED",
	WriteIndexFileFailed:   "WRITE_INDEX_FILE_FAILED",
	OpenTargetFileFailed:   "OPEN_TARGET_FILE_FAILED",
	UnknownError:           "UNKNOWN_ERROR",
}

func (r Result) String() string {
	if s, ok := resultStrings[r]; ok {
		return s
	}
	return "UNKNOWN_ERROR"
}

// DownloadState is the externally observable lifecycle state.
type DownloadState int

const (
	Stopped DownloadState = iota
	Downloading
	Paused
)

func (s DownloadState) String() string {
	switch s {
	case Downloading:
		return "Downloading"
	case Paused:
		return "Paused"
	default:
		return "Stopped"
	}
}

type HashType int

const (
	MD5 HashType = iota
	CRC32
	SHA1
	SHA256
)

func (h HashType) String() string {
	switch h {
	case CRC32:
		return "CRC32"
	case SHA1:
		return "SHA1"
	case SHA256:
		return "SHA256"
	default:
		return "MD5"
	}
}

type HashVerifyPolicy int

const (
	// NeverVerify skips digest verification entirely.
	NeverVerify HashVerifyPolicy = iota
	// AlwaysVerify computes the digest and compares it against ExpectedHash.
	AlwaysVerify
	// OnlyIfAvailable verifies only when an expected hash was configured or,
	// with hash type MD5, the server supplied a Content-MD5.
	OnlyIfAvailable
)

type UncompletedSliceSavePolicy int

const (
	// AlwaysDiscard removes the target and index on any non-success outcome.
	AlwaysDiscard UncompletedSliceSavePolicy = iota
	// SaveExceptFailed persists the index and keeps the target so a later
	// Start on the same URL and path resumes.
	SaveExceptFailed
)

type (
	ResultFunctor   func(Result)
	ProgressFunctor func(total, downloaded int64)
	SpeedFunctor    func(bytesPerSecond int64)
	VerboseFunctor  func(message string)
)

// Options carries every knob of one download. A Zoe instance owns exactly one
// Options value; the engine and the slice manager borrow it read-only except
// for the fields the setters mutate before Start.
type Options struct {
	URL            string
	TargetFilePath string

	ThreadNum          int
	DiskCacheSize      int64
	MaxSpeed           int64 // bytes/s, -1 means unlimited
	FetchFileInfoRetry int
	SliceMaxFailedTimes int
	MinSliceSize       int64
	MaxSliceCount      int

	HTTPHeaders           map[string]string
	Proxy                 string
	CookieList            string
	CAPath                string
	VerifyPeerHost        bool
	VerifyPeerCertificate bool
	NetworkConnTimeout    time.Duration
	UseHeadMethod         bool

	HashVerifyPolicy HashVerifyPolicy
	HashType         HashType
	ExpectedHash     string

	SavePolicy       UncompletedSliceSavePolicy
	TmpFileExtension string

	InternalStopEvent *event.Event
	UserStopEvent     *event.Event

	ResultFunctor   ResultFunctor
	ProgressFunctor ProgressFunctor
	SpeedFunctor    SpeedFunctor
	VerboseFunctor  VerboseFunctor
}

const (
	DefaultThreadNum     = 3
	DefaultDiskCacheSize = 20 * 1024 * 1024
	DefaultMinSliceSize  = 16 * 1024
	DefaultMaxSliceCount = 100
)

// NewOptions returns an Options with the library defaults applied.
func NewOptions() *Options {
	return &Options{
		ThreadNum:           DefaultThreadNum,
		DiskCacheSize:       DefaultDiskCacheSize,
		MaxSpeed:            -1,
		FetchFileInfoRetry:  1,
		SliceMaxFailedTimes: 3,
		MinSliceSize:        DefaultMinSliceSize,
		MaxSliceCount:       DefaultMaxSliceCount,
		HTTPHeaders:         make(map[string]string),
		VerifyPeerHost:      true,
		VerifyPeerCertificate: true,
		NetworkConnTimeout:  3 * time.Second,
		UseHeadMethod:       true,
		HashVerifyPolicy:    OnlyIfAvailable,
		HashType:            MD5,
		SavePolicy:          AlwaysDiscard,
		InternalStopEvent:   event.New(),
	}
}

// StopRequested reports whether either stop event has been signaled.
func (o *Options) StopRequested() bool {
	if o.InternalStopEvent != nil && o.InternalStopEvent.IsSet() {
		return true
	}
	return o.UserStopEvent != nil && o.UserStopEvent.IsSet()
}
