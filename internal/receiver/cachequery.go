package receiver

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
)

// cacheQueryRequest is spec §6's cache-query request body.
type cacheQueryRequest struct {
	Type   string `json:"type"`
	Metric string `json:"metric"`
}

// cacheQueryResponse is spec §6's cache-query response body.
type cacheQueryResponse struct {
	Datapoints [][2]float64 `json:"datapoints"`
}

// CacheQueryServer answers cache-query requests by peeking a metric's
// in-memory ring without touching disk (spec §6 cache-query protocol).
type CacheQueryServer struct {
	Addr string
	Peek Peeker
	Now  func() int64
}

// Serve accepts connections on Addr until ctx is cancelled.
func (s *CacheQueryServer) Serve(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", s.Addr)
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
				cclog.Errorf("kenshin: cache-query server: accept: %s", err)
				continue
			}
		}
		go s.handle(conn)
	}
}

func (s *CacheQueryServer) handle(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(30 * time.Second))

	req, err := readFrame(conn)
	if err != nil {
		cclog.Warnf("kenshin: cache-query server: reading request: %s", err)
		return
	}

	var parsed cacheQueryRequest
	if err := json.Unmarshal(req, &parsed); err != nil {
		cclog.Warnf("kenshin: cache-query server: malformed request: %s", err)
		return
	}

	now := int64(0)
	if s.Now != nil {
		now = s.Now()
	}

	points := s.Peek.Get(parsed.Metric, now)
	resp := cacheQueryResponse{Datapoints: make([][2]float64, len(points))}
	for i, p := range points {
		resp.Datapoints[i] = [2]float64{float64(p.TS), p.Value}
	}

	body, err := json.Marshal(resp)
	if err != nil {
		cclog.Errorf("kenshin: cache-query server: marshalling response: %s", err)
		return
	}

	if err := writeFrame(conn, body); err != nil {
		cclog.Warnf("kenshin: cache-query server: writing response: %s", err)
	}
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeFrame(w io.Writer, body []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}
