package manager

import (
	"errors"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/julienschmidt/httprouter"
	"nhooyr.io/websocket"
)

const followPollInterval = 100 * time.Millisecond

// serverLogFollow streams log bytes appended past the server's savepoint
// over a WebSocket until the peer disconnects. Like ReadLog, this is
// diagnostics only: I/O failures end the stream rather than fail anything.
func (m *Manager) serverLogFollow(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id := params.ByName("id")
	srv := m.cluster.Find(id)
	if srv == nil {
		http.Error(w, "Server "+id+" unknown", http.StatusInternalServerError)
		return
	}

	wsConn, err := websocket.Accept(w, r, nil)
	if err != nil {
		m.log.Debugf("log follow WebSocket accept error: %s", err)
		return
	}
	defer wsConn.Close(websocket.StatusNormalClosure, "")

	f, err := os.Open(srv.LogPath())
	if err != nil {
		m.log.Debugf("log follow open error: %s", err)
		wsConn.Close(websocket.StatusInternalError, err.Error())
		return
	}
	defer f.Close()

	if _, err := f.Seek(srv.LogSavepoint(), io.SeekStart); err != nil {
		m.log.Debugf("log follow seek error: %s", err)
		wsConn.Close(websocket.StatusInternalError, err.Error())
		return
	}

	ctx := r.Context()
	buf := make([]byte, 32*1024)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if werr := wsConn.Write(ctx, websocket.MessageText, buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				m.log.Debugf("log follow read error: %s", err)
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(followPollInterval):
			}
		}
	}
}
