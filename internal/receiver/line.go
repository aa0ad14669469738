package receiver

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
)

// LineReceiver accepts the plaintext wire format of spec §6:
// "<metric> <value> <timestamp>\n", newline-delimited, UTF-8. Malformed
// lines are logged and dropped, never fatal.
type LineReceiver struct {
	Addr string
	Sink Sink
}

// Serve accepts connections on Addr until ctx is cancelled.
func (r *LineReceiver) Serve(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", r.Addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				cclog.Errorf("kenshin: line receiver: accept: %s", err)
				continue
			}
		}
		go r.handle(conn)
	}
}

func (r *LineReceiver) handle(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := r.ingest(line); err != nil {
			cclog.Warnf("kenshin: line receiver: dropping %q: %s", line, err)
		}
	}
}

func (r *LineReceiver) ingest(line string) error {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return errBadLine
	}

	value, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return err
	}
	ts, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return err
	}

	return r.Sink.Put(fields[0], ts, value)
}

var errBadLine = lineFormatError("expected \"<metric> <value> <timestamp>\"")

type lineFormatError string

func (e lineFormatError) Error() string { return string(e) }
