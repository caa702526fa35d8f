package main

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// systemd notification states, see sd_notify(3).
const (
	sdReady    = "READY=1"
	sdStopping = "STOPPING=1"
	sdReloaded = "RELOADING=0"
)

// sdNotify sends state to the socket named by NOTIFY_SOCKET. It is a no-op
// outside of a systemd unit.
func sdNotify(l *logrus.Logger, state string) {
	sock := os.Getenv("NOTIFY_SOCKET")
	if sock == "" {
		l.WithField("state", state).Debug("NOTIFY_SOCKET is not set, skipping systemd notification")
		return
	}

	if err := sdSend(sock, state); err != nil {
		l.WithError(err).WithField("state", state).Error("Failed to notify systemd")
		return
	}
	l.WithField("state", state).Debug("Notified systemd")
}

func sdSend(sock, state string) error {
	conn, err := net.DialTimeout("unixgram", sock, time.Second)
	if err != nil {
		return fmt.Errorf("dial %s: %w", sock, err)
	}
	defer conn.Close()

	if err := conn.SetWriteDeadline(time.Now().Add(time.Second)); err != nil {
		return err
	}
	_, err = conn.Write([]byte(state))
	return err
}

func notifyReady(l *logrus.Logger, queues int) {
	sdNotify(l, fmt.Sprintf("%s\nSTATUS=%d queues running", sdReady, queues))
}

func notifyStopping(l *logrus.Logger) {
	sdNotify(l, sdStopping)
}

func notifyReloaded(l *logrus.Logger) {
	sdNotify(l, sdReloaded)
}
