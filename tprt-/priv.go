//go:build !windows

package tprt

import (
	"fmt"
	"os"
	"syscall"

	"github.com/coffeecupcoding/tprt/mlog"
)

// DropPrivileges chroots if configured and switches to the configured
// unprivileged user and group. Only meaningful when started as root, after
// sockets have been bound and the pid file written. Must be called before
// serving traffic.
func DropPrivileges() error {
	if os.Getuid() != 0 {
		return nil
	}

	server := Conf.Static.Server
	if server.Chroot {
		if err := syscall.Chroot(server.ChrootDir); err != nil {
			return fmt.Errorf("chroot %s: %w", server.ChrootDir, err)
		}
		if err := os.Chdir("/"); err != nil {
			return fmt.Errorf("chdir after chroot: %w", err)
		}
		xlog.Info("changed root directory", mlog.Field("dir", server.ChrootDir))
	}

	if err := syscall.Setgroups([]int{int(Conf.GID)}); err != nil {
		return fmt.Errorf("setgroups: %w", err)
	}
	if err := syscall.Setgid(int(Conf.GID)); err != nil {
		return fmt.Errorf("setgid %d: %w", Conf.GID, err)
	}
	if err := syscall.Setuid(int(Conf.UID)); err != nil {
		return fmt.Errorf("setuid %d: %w", Conf.UID, err)
	}
	xlog.Info("dropped privileges",
		mlog.Field("user", server.User),
		mlog.Field("uid", int64(Conf.UID)),
		mlog.Field("gid", int64(Conf.GID)))
	return nil
}
