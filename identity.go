package spawnkit

import (
	"fmt"
	"os/user"
	"strconv"

	"go.uber.org/zap"
)

// Identity is the resolved OS user/group a spawned process will run as.
type Identity struct {
	UID     int
	GID     int
	Home    string
	Shell   string
	Warning string // non-empty if user resolution fell back to a numeric UID
}

// ResolveIdentity resolves userSpec/groupSpec (name or numeric string)
// into concrete uid/gid/home, mirroring resolveUserAndGroup's
// "try by name, then fall back to treating it as a raw number" behavior.
// A fallback is not an error: it is logged as a warning via logger, since
// the configuration is still usable, just less informative. The login
// shell is not looked up: Shell is always "/bin/sh".
func ResolveIdentity(userSpec, groupSpec string, logger Logger) (Identity, error) {
	var id Identity

	u, err := user.Lookup(userSpec)
	if err != nil {
		uid, numErr := strconv.Atoi(userSpec)
		if numErr != nil {
			return id, fmt.Errorf("spawnkit: cannot resolve user '%s': %w", userSpec, err)
		}
		id.UID = uid
		id.Warning = fmt.Sprintf("cannot find user '%s', treating it as a numeric UID", userSpec)
		if logger != nil {
			logger.Warn("user lookup fell back to numeric UID", zap.String("user", userSpec), zap.Int("uid", uid))
		}
		if byID, idErr := user.LookupId(userSpec); idErr == nil {
			id.Home = byID.HomeDir
		}
	} else {
		uid, convErr := strconv.Atoi(u.Uid)
		if convErr != nil {
			return id, fmt.Errorf("spawnkit: unexpected non-numeric uid %q for user %q", u.Uid, userSpec)
		}
		id.UID = uid
		id.Home = u.HomeDir
	}

	gid, gidErr := resolveGroup(groupSpec, logger)
	if gidErr != nil {
		return id, gidErr
	}
	id.GID = gid

	if id.Shell == "" {
		id.Shell = "/bin/sh"
	}

	return id, nil
}

func resolveGroup(groupSpec string, logger Logger) (int, error) {
	g, err := user.LookupGroup(groupSpec)
	if err != nil {
		gid, numErr := strconv.Atoi(groupSpec)
		if numErr != nil {
			return 0, fmt.Errorf("spawnkit: cannot resolve group '%s': %w", groupSpec, err)
		}
		if logger != nil {
			logger.Warn("group lookup fell back to numeric GID", zap.String("group", groupSpec), zap.Int("gid", gid))
		}
		return gid, nil
	}
	gid, err := strconv.Atoi(g.Gid)
	if err != nil {
		return 0, fmt.Errorf("spawnkit: unexpected non-numeric gid %q for group %q", g.Gid, groupSpec)
	}
	return gid, nil
}

// Logger is a narrow alias kept here so identity.go and other
// syscall-adjacent files don't need to import logx directly in their
// signatures; see logx.Logger for the concrete implementation.
type Logger = loggerIface

type loggerIface interface {
	Warn(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)
	Debug(msg string, fields ...zap.Field)
}
