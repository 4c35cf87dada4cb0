// Package syncservice wires the file sync, block sync, and script sync
// engines together into the declarative sync operation (spec §4.8's
// closing paragraph and §9): resolve first-connect status from the remote
// machine registry, apply every declared item in order, and mark the
// machine as seen only once the whole run succeeds.
package syncservice

import (
	"log/slog"
	"os"

	"github.com/acolita/remote/internal/blocksync"
	"github.com/acolita/remote/internal/errs"
	"github.com/acolita/remote/internal/filesync"
	"github.com/acolita/remote/internal/machineid"
	"github.com/acolita/remote/internal/ports"
	"github.com/acolita/remote/internal/scriptsync"
	"github.com/acolita/remote/internal/ssh"
)

// Config is one declarative sync run's full set of declared items.
type Config struct {
	ForceInit     bool
	FileSyncItems []filesync.Item
	BlockGroups   []blocksync.BlockGroup
	Scripts       []scriptsync.ScriptExec
	GlobalEnv     scriptsync.GlobalEnv
}

// Result summarizes one completed sync run.
type Result struct {
	IsFirstConnect bool
	ScriptResults  []scriptsync.Result
}

// Service runs Config declarations against one connected SSH client.
type Service struct {
	client            *ssh.Client
	machineIDFallback string
	clock             ports.Clock
}

// New creates a Service over an already-connected client. machineIDFallback
// is the local path used when no OS machine-id file is readable (spec §6:
// `~/.remote/machine-id`).
func New(client *ssh.Client, machineIDFallback string, clock ports.Clock) *Service {
	return &Service{client: client, machineIDFallback: machineIDFallback, clock: clock}
}

// Sync runs cfg's declared items in file-sync → block-sync → script-sync
// order (spec §4.8's ordering), then — only if every stage succeeded —
// registers the local machine and stamps lastSync on the remote registry.
// Any stage failure returns immediately without touching the registry, so
// mode=init items retry on the next run.
func (s *Service) Sync(cfg Config) (Result, error) {
	machineID, err := machineid.Local(s.machineIDFallback)
	if err != nil {
		return Result{}, errs.Config(err, "resolve local machine id")
	}

	sftpClient, err := s.client.SFTPClient()
	if err != nil {
		return Result{}, errs.Connection(err, "open sftp for sync")
	}

	remoteState, err := machineid.LoadRemoteState(sftpClient, machineid.RemotePath)
	if err != nil {
		return Result{}, errs.Config(err, "load remote machine registry")
	}
	isFirstConnect := machineid.IsFirstConnect(remoteState, machineID)
	slog.Info("sync starting", slog.String("machine_id", machineID), slog.Bool("is_first_connect", isFirstConnect))

	if err := s.runFileSync(cfg); err != nil {
		return Result{}, err
	}
	if err := s.runBlockSync(cfg); err != nil {
		return Result{}, err
	}
	scriptResults, err := s.runScripts(cfg, isFirstConnect)
	if err != nil {
		return Result{IsFirstConnect: isFirstConnect, ScriptResults: scriptResults}, err
	}

	remoteState = machineid.Register(remoteState, machineID, s.clock.Now().Unix(), map[string]any{
		"usedKeyFallback": s.client.UsedKeyFallback(),
	})
	if err := machineid.SaveRemoteState(sftpClient, machineid.RemotePath, remoteState); err != nil {
		return Result{}, errs.Config(err, "save remote machine registry")
	}

	slog.Info("sync complete", slog.String("machine_id", machineID), slog.Int("scripts_run", len(scriptResults)))
	return Result{IsFirstConnect: isFirstConnect, ScriptResults: scriptResults}, nil
}

func (s *Service) runFileSync(cfg Config) error {
	engine := filesync.New(s.client)
	for _, item := range cfg.FileSyncItems {
		if err := engine.Apply(item, filesync.Options{ForceInit: cfg.ForceInit}); err != nil {
			return errs.FileSync(err, "sync file %s -> %s", item.Src, item.Dist)
		}
		slog.Debug("file sync item applied", slog.String("src", item.Src), slog.String("dist", item.Dist), slog.String("mode", string(item.Mode)))
	}
	return nil
}

func (s *Service) runBlockSync(cfg Config) error {
	sftpClient, err := s.client.SFTPClient()
	if err != nil {
		return errs.Connection(err, "open sftp for block sync")
	}
	engine := blocksync.New(sftpClient)
	for _, group := range cfg.BlockGroups {
		group.ForceInit = cfg.ForceInit || group.ForceInit
		if err := engine.Apply(group); err != nil {
			return errs.BlockSync(err, "sync block group %s", group.DistRemotePath)
		}
		slog.Debug("block sync group applied", slog.String("dist", group.DistRemotePath), slog.Int("blocks", len(group.Blocks)))
	}
	return nil
}

func (s *Service) runScripts(cfg Config, isFirstConnect bool) ([]scriptsync.Result, error) {
	engine := scriptsync.New(s.client, os.ReadFile)
	results := make([]scriptsync.Result, 0, len(cfg.Scripts))
	for _, sc := range cfg.Scripts {
		res, err := engine.Run(sc, cfg.GlobalEnv, isFirstConnect, cfg.ForceInit)
		if err != nil {
			return results, errs.ScriptExec(err, "run script %s", sc.Src)
		}
		results = append(results, res)
	}
	return results, nil
}
