package udp2raw

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/shlex"
)

// DefaultBinary is where the udp2raw executable is expected unless the
// daemon config says otherwise.
const DefaultBinary = "/usr/bin/udp2raw"

// logLevelOrdinals maps udp2raw's named verbosity levels to the numeric
// values its --log-level flag expects.
var logLevelOrdinals = map[string]int{
	"fatal": 1,
	"error": 2,
	"warn":  3,
	"info":  4,
	"debug": 5,
	"trace": 6,
}

// defaultLogOrdinal is used for unknown or empty level names.
const defaultLogOrdinal = 4

// LogLevelOrdinal resolves a named verbosity level to udp2raw's numeric
// scale. Unknown names resolve to the info level.
func LogLevelOrdinal(level string) int {
	if n, ok := logLevelOrdinals[strings.ToLower(level)]; ok {
		return n
	}
	return defaultLogOrdinal
}

// BuildArgs constructs the argument vector for one tunnel instance.
//
// It is a pure function of its inputs: no I/O, no defaults beyond the
// verbosity fallback chain (instance level, then global, then info).
// Each flag and its value are emitted as separate tokens because
// udp2raw's argument parser does not understand "--flag=value".
//
// The only error condition is an extra-argument fragment that cannot be
// tokenized (unbalanced quoting).
func BuildArgs(role Role, spec InstanceSpec, global GlobalSpec) ([]string, error) {
	var args []string

	switch role {
	case RoleServer:
		args = append(args, "-s")
		args = append(args, "-l", endpoint(spec.ListenIP, spec.ListenPort))
		args = append(args, "-r", endpoint(spec.ForwardIP, spec.ForwardPort))
	case RoleClient:
		args = append(args, "-c")
		args = append(args, "-l", endpoint(spec.LocalIP, spec.LocalPort))
		args = append(args, "-r", endpoint(spec.ServerIP, spec.ServerPort))
	default:
		return nil, fmt.Errorf("unknown role %q", role)
	}

	args = append(args, "-k", spec.Password)

	if spec.RawMode != "" {
		args = append(args, "--raw-mode", spec.RawMode)
	}
	if spec.CipherMode != "" {
		args = append(args, "--cipher-mode", spec.CipherMode)
	}
	if spec.AuthMode != "" {
		args = append(args, "--auth-mode", spec.AuthMode)
	}

	if spec.AutoRule {
		args = append(args, "-a")
	}

	// Client-only flags. A server must never see these: udp2raw rejects
	// seq-mode and source overrides in -s mode.
	if role == RoleClient {
		if spec.SeqMode != nil {
			args = append(args, "--seq-mode", strconv.Itoa(*spec.SeqMode))
		}
		if spec.SourceIP != "" {
			args = append(args, "--source-ip", spec.SourceIP)
		}
		if spec.SourcePort != "" {
			args = append(args, "--source-port", spec.SourcePort)
		}
	}

	if spec.LowerLevel != "" {
		args = append(args, "--lower-level", spec.LowerLevel)
	}
	if spec.Dev != "" {
		args = append(args, "--dev", spec.Dev)
	}
	if spec.DisableAntiReplay {
		args = append(args, "--disable-anti-replay")
	}
	if spec.DisableBPF {
		args = append(args, "--disable-bpf")
	}
	if global.WaitLock {
		args = append(args, "--wait-lock")
	}

	level := spec.LogLevel
	if level == "" {
		level = global.LogLevel
	}
	args = append(args, "--log-level", strconv.Itoa(LogLevelOrdinal(level)))

	for _, fragment := range spec.ExtraArgs.Fragments() {
		if strings.TrimSpace(fragment) == "" {
			continue
		}
		tokens, err := shlex.Split(fragment)
		if err != nil {
			return nil, fmt.Errorf("tokenizing extra argument %q: %w", fragment, err)
		}
		args = append(args, tokens...)
	}

	return args, nil
}

func endpoint(ip string, port int) string {
	return fmt.Sprintf("%s:%d", ip, port)
}
