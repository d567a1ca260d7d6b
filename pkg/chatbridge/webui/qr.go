package webui

import (
	"bytes"
	"encoding/base64"
	"html/template"
	"net/http"
	"strconv"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/jholhewres/chatbridge/pkg/chatbridge/session"
)

// qrImageSize is the PNG edge length in pixels.
const qrImageSize = 320

var pageTmpl = template.Must(template.New("qr").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
{{if .Refresh}}<meta http-equiv="refresh" content="{{.Refresh}}">{{end}}
<title>chatbridge · {{.Title}}</title>
<style>
body { font-family: system-ui, sans-serif; background: #f4f5f7; color: #1f2328; display: flex; justify-content: center; padding-top: 8vh; }
main { background: #fff; border-radius: 12px; padding: 32px 40px; box-shadow: 0 2px 12px rgba(0,0,0,.08); text-align: center; max-width: 420px; }
h1 { font-size: 1.3rem; margin: 0 0 12px; }
p { color: #57606a; }
.error { color: #cf222e; }
img { margin-top: 12px; image-rendering: pixelated; }
code { font-size: .85rem; }
</style>
</head>
<body>
<main>
<h1{{if .Error}} class="error"{{end}}>{{.Title}}</h1>
<p>{{.Message}}</p>
{{if .SelfID}}<p><code>{{.SelfID}}</code></p>{{end}}
{{if .Image}}<img src="{{.Image}}" width="{{.Size}}" height="{{.Size}}" alt="QR code">{{end}}
</main>
{{if .Watch}}<script>
(function () {
  var proto = location.protocol === "https:" ? "wss://" : "ws://";
  var ws = new WebSocket(proto + location.host + "/ws");
  var seen = {{.Challenges}};
  ws.onmessage = function (e) {
    var s = JSON.parse(e.data);
    if (s.state === "ready" || s.challenges !== seen) { location.reload(); }
  };
})();
</script>{{end}}
</body>
</html>
`))

type pageData struct {
	Title      string
	Message    string
	Error      bool
	SelfID     string
	Image      template.URL
	Size       int
	Refresh    int
	Watch      bool
	Challenges int
}

// handleQRPage renders the login page for the current session phase.
func (s *Server) handleQRPage(w http.ResponseWriter, r *http.Request) {
	snap := s.session.State()

	switch {
	case snap.Phase == session.Ready:
		s.renderPage(w, http.StatusOK, pageData{
			Title:   "Already signed in",
			Message: "The chat account is linked. No QR code is needed.",
			SelfID:  snap.SelfID,
		})

	case snap.Phase != session.QRPending || snap.Challenge == "":
		s.renderPage(w, http.StatusServiceUnavailable, pageData{
			Title:      "No QR code yet",
			Message:    "The chat client has not produced a QR code yet. This page refreshes automatically.",
			Error:      true,
			Refresh:    5,
			Watch:      true,
			Challenges: snap.Challenges,
		})

	default:
		png, err := qrcode.Encode(snap.Challenge, qrcode.Medium, qrImageSize)
		if err != nil {
			s.logger.Error("encoding QR code failed", "error", err)
			http.Error(w, "could not render QR code", http.StatusInternalServerError)
			return
		}
		s.renderPage(w, http.StatusOK, pageData{
			Title:      "Scan to sign in",
			Message:    "Open WhatsApp on your phone, go to Linked devices and scan this code.",
			Image:      template.URL("data:image/png;base64," + base64.StdEncoding.EncodeToString(png)),
			Size:       qrImageSize,
			Refresh:    s.cfg.RefreshSeconds,
			Watch:      true,
			Challenges: snap.Challenges,
		})
	}
}

func (s *Server) renderPage(w http.ResponseWriter, status int, data pageData) {
	var buf bytes.Buffer
	if err := pageTmpl.Execute(&buf, data); err != nil {
		s.logger.Error("rendering QR page failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}

// handleQRImage serves the current challenge as a PNG.
func (s *Server) handleQRImage(w http.ResponseWriter, r *http.Request) {
	snap := s.session.State()
	if snap.Phase == session.Ready {
		http.Error(w, "already signed in", http.StatusConflict)
		return
	}
	if snap.Phase != session.QRPending || snap.Challenge == "" {
		http.Error(w, "no QR code received yet", http.StatusServiceUnavailable)
		return
	}

	size := qrImageSize
	if v, err := strconv.Atoi(r.URL.Query().Get("size")); err == nil && v >= 128 && v <= 1024 {
		size = v
	}
	png, err := qrcode.Encode(snap.Challenge, qrcode.Medium, size)
	if err != nil {
		s.logger.Error("encoding QR code failed", "error", err)
		http.Error(w, "could not render QR code", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(png)
}
