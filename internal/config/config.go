// Package config loads the static half of HSE/DSE records (§3) from an
// INI-style file, one [section] per host or directory alias, mirroring
// the teacher's historic rclone.conf loader.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Unknwon/goconfig"

	"github.com/fdcore/dispatcher/internal/model"
)

// LoadHosts parses every section of path into a static HostStatusEntry,
// keyed by section name (the host alias). Dynamic fields are left zero —
// the crash-tolerant region owns them from attach time on.
func LoadHosts(path string) (map[string]*model.HostStatusEntry, error) {
	cfg, err := goconfig.LoadConfigFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}
	out := make(map[string]*model.HostStatusEntry)
	for _, name := range cfg.GetSectionList() {
		if name == goconfig.DEFAULT_SECTION {
			continue
		}
		hse, err := hostFromSection(cfg, name)
		if err != nil {
			return nil, fmt.Errorf("config: host %q: %w", name, err)
		}
		out[name] = hse
	}
	return out, nil
}

// LoadDirectories parses every section of path into a static
// DirectoryStatusEntry, keyed by section name (the directory alias).
func LoadDirectories(path string) (map[string]*model.DirectoryStatusEntry, error) {
	cfg, err := goconfig.LoadConfigFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}
	out := make(map[string]*model.DirectoryStatusEntry)
	for _, name := range cfg.GetSectionList() {
		if name == goconfig.DEFAULT_SECTION {
			continue
		}
		dse, err := dirFromSection(cfg, name)
		if err != nil {
			return nil, fmt.Errorf("config: directory %q: %w", name, err)
		}
		out[name] = dse
	}
	return out, nil
}

func hostFromSection(cfg *goconfig.ConfigFile, name string) (*model.HostStatusEntry, error) {
	protoName := cfg.MustValue(name, "protocol", "ftp")
	proto, err := parseProtocol(protoName)
	if err != nil {
		return nil, err
	}
	return &model.HostStatusEntry{
		HostAlias:         name,
		RealHostname:      [2]string{cfg.MustValue(name, "hostname", ""), cfg.MustValue(name, "hostname_alt", "")},
		Port:              cfg.MustInt(name, "port", defaultPortFor(proto)),
		Protocol:          proto,
		BlockSize:         cfg.MustInt(name, "block_size", 4096),
		TransferTimeout:   time.Duration(cfg.MustInt(name, "transfer_timeout", 30)) * time.Second,
		RateLimitBytesSec: cfg.MustInt64(name, "rate_limit_bytes_sec", 0),
		KeepConnected:     time.Duration(cfg.MustInt(name, "keep_connected", 0)) * time.Second,
		DisconnectAfter:   time.Duration(cfg.MustInt(name, "disconnect_after", 0)) * time.Second,
		MaxErrors:         cfg.MustInt(name, "max_errors", 5),
		AllowedTransfers:  cfg.MustInt(name, "allowed_transfers", 1),
	}, nil
}

func dirFromSection(cfg *goconfig.ConfigFile, name string) (*model.DirectoryStatusEntry, error) {
	masks := splitNonEmpty(cfg.MustValue(name, "file_masks", "*"), ",")
	policy := parsePolicy(cfg.MustValue(name, "policy", ""))
	deleteFlag := parseDeleteFlag(cfg.MustValue(name, "delete_files_flag", ""))
	return &model.DirectoryStatusEntry{
		DirAlias:          name,
		URLTarget:         cfg.MustValue(name, "url_target", ""),
		FileMasks:         masks,
		UnknownFileTime:   time.Duration(cfg.MustInt(name, "unknown_file_time", 0)) * time.Second,
		LockedFileTime:    time.Duration(cfg.MustInt(name, "locked_file_time", 0)) * time.Second,
		Policy:            policy,
		MaxCopiedFiles:    cfg.MustInt(name, "max_copied_files", 0),
		MaxCopiedFileSize: cfg.MustInt64(name, "max_copied_file_size", 0),
		DeleteFilesFlag:   deleteFlag,
	}, nil
}

func parseProtocol(s string) (model.ProtocolFamily, error) {
	switch strings.ToLower(s) {
	case "ftp":
		return model.ProtoFTP, nil
	case "ftps":
		return model.ProtoFTPS, nil
	case "sftp":
		return model.ProtoSFTP, nil
	case "scp":
		return model.ProtoSCP, nil
	case "http":
		return model.ProtoHTTP, nil
	case "https":
		return model.ProtoHTTPS, nil
	case "smtp":
		return model.ProtoSMTP, nil
	case "wmo":
		return model.ProtoWMO, nil
	case "exec":
		return model.ProtoExec, nil
	case "fax":
		return model.ProtoFax, nil
	case "s3":
		return model.ProtoS3, nil
	default:
		return 0, fmt.Errorf("unknown protocol %q", s)
	}
}

func defaultPortFor(p model.ProtocolFamily) int {
	switch p {
	case model.ProtoFTP, model.ProtoFTPS:
		return 21
	case model.ProtoSFTP, model.ProtoSCP:
		return 22
	case model.ProtoHTTP:
		return 80
	case model.ProtoHTTPS:
		return 443
	case model.ProtoSMTP:
		return 25
	default:
		return 0
	}
}

func parsePolicy(s string) model.ScanPolicy {
	var p model.ScanPolicy
	for _, tok := range splitNonEmpty(s, ",") {
		switch strings.ToLower(strings.TrimSpace(tok)) {
		case "stupid_mode":
			p |= model.PolicyStupidMode
		case "remove":
			p |= model.PolicyRemove
		case "accept_dot_files":
			p |= model.PolicyAcceptDotFiles
		case "all_disabled":
			p |= model.PolicyAllDisabled
		case "dont_get_dir_list":
			p |= model.PolicyDontGetDirList
		case "one_process_just_scanning":
			p |= model.PolicyOneProcessJustScanning
		case "append_only":
			p |= model.PolicyAppendOnly
		case "get_once_only":
			p |= model.PolicyGetOnceOnly
		}
	}
	return p
}

func parseDeleteFlag(s string) model.DeleteFilesFlag {
	var d model.DeleteFilesFlag
	for _, tok := range splitNonEmpty(s, ",") {
		switch strings.ToLower(strings.TrimSpace(tok)) {
		case "unknown_files":
			d |= model.DeleteUnknownFiles
		case "locked_files":
			d |= model.DeleteLockedFiles
		case "old_locked_files":
			d |= model.DeleteOldLockedFiles
		}
	}
	return d
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
