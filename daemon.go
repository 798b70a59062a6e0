package dkimsignd

import (
	"fmt"
	"log/slog"
	"log/syslog"
	"os"
	"os/user"
	"strconv"
	"syscall"
)

// syslogLevel maps the daemon's internal 0-5 log scale to syslog priorities:
// {err, warning, notice, info, debug}.
func syslogLevel(level int) syslog.Priority {
	switch {
	case level <= 0:
		return syslog.LOG_ERR
	case level == 1:
		return syslog.LOG_WARNING
	case level == 2:
		return syslog.LOG_NOTICE
	case level == 3, level == 4:
		return syslog.LOG_INFO
	default:
		return syslog.LOG_DEBUG
	}
}

// syslogFacility resolves a textual facility name ("mail" by default) to its
// syslog.Priority bit, falling back to LOG_MAIL for anything unrecognized.
func syslogFacility(name string) syslog.Priority {
	switch name {
	case "daemon":
		return syslog.LOG_DAEMON
	case "local0":
		return syslog.LOG_LOCAL0
	case "local1":
		return syslog.LOG_LOCAL1
	case "mail", "":
		return syslog.LOG_MAIL
	default:
		return syslog.LOG_MAIL
	}
}

// NewSyslogLogger opens a connection to the local syslog daemon and wraps it
// in a slog.Logger, the way this daemon reports diagnostics once it has
// daemonized. The standard library's log/syslog is used directly; no
// dependency in this codebase's lineage offers a syslog transport.
func NewSyslogLogger(ident, facility string, level int) (*slog.Logger, error) {
	priority := syslogFacility(facility) | syslogLevel(level)
	w, err := syslog.New(priority, ident)
	if err != nil {
		return nil, fmt.Errorf("dkimsignd: opening syslog: %w", err)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{})), nil
}

// WritePIDFile writes the current process ID to path, truncating any
// existing file.
func WritePIDFile(path string) error {
	if path == "" {
		return nil
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

// RemovePIDFile removes a previously written PID file, ignoring a
// not-found error.
func RemovePIDFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// DropPrivileges switches the process to the named unprivileged user/group,
// optionally chrooting first. It must be called after the listening socket
// is bound and before any connection is accepted. When user is empty (e.g.
// the daemon was started already unprivileged) no user or group switch is
// made; a non-empty chrootDir is still applied.
//
// This uses syscall directly: privilege dropping is an operating-system
// primitive with no portable third-party wrapper in this codebase's
// dependency lineage, and getting the Setgid/Setuid ordering right (group
// before user, or the user switch fails once the process no longer has
// permission to change its group) is exactly the kind of operation best left
// unabstracted.
func DropPrivileges(user, group, chrootDir string) error {
	if chrootDir != "" {
		if err := syscall.Chroot(chrootDir); err != nil {
			return fmt.Errorf("dkimsignd: chroot %s: %w", chrootDir, err)
		}
		if err := syscall.Chdir("/"); err != nil {
			return fmt.Errorf("dkimsignd: chdir after chroot: %w", err)
		}
	}

	if user == "" {
		return nil
	}

	gid, err := lookupGroupID(group)
	if err != nil {
		return err
	}
	if gid != 0 {
		if err := syscall.Setgid(gid); err != nil {
			return fmt.Errorf("dkimsignd: setgid %d: %w", gid, err)
		}
	}

	uid, err := lookupUserID(user)
	if err != nil {
		return err
	}
	if err := syscall.Setuid(uid); err != nil {
		return fmt.Errorf("dkimsignd: setuid %d: %w", uid, err)
	}

	return nil
}

func lookupUserID(name string) (int, error) {
	u, err := user.Lookup(name)
	if err != nil {
		return 0, fmt.Errorf("dkimsignd: looking up user %q: %w", name, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return 0, fmt.Errorf("dkimsignd: parsing uid for %q: %w", name, err)
	}
	return uid, nil
}

func lookupGroupID(name string) (int, error) {
	if name == "" {
		return 0, nil
	}
	g, err := user.LookupGroup(name)
	if err != nil {
		return 0, fmt.Errorf("dkimsignd: looking up group %q: %w", name, err)
	}
	gid, err := strconv.Atoi(g.Gid)
	if err != nil {
		return 0, fmt.Errorf("dkimsignd: parsing gid for %q: %w", name, err)
	}
	return gid, nil
}
