package http

import (
	"net/http"
	"strings"

	"github.com/mssola/useragent"

	"github.com/dropDatabas3/trustroll/internal/flags"
)

// identityFromRequest arma la identidad del dispositivo a partir de los headers.
// Si falta X-Device-Class se infiere del User-Agent.
func identityFromRequest(r *http.Request) flags.Identity {
	h := r.Header
	id := flags.Identity{
		DeviceID:    strings.TrimSpace(h.Get(flags.HeaderDeviceID)),
		UserID:      strings.TrimSpace(h.Get(flags.HeaderUserID)),
		Geo:         strings.ToUpper(strings.TrimSpace(h.Get(flags.HeaderGeo))),
		DeviceClass: strings.ToLower(strings.TrimSpace(h.Get(flags.HeaderDeviceClass))),
		AppVersion:  strings.TrimSpace(h.Get(flags.HeaderAppVersion)),
	}
	if id.DeviceClass == "" {
		id.DeviceClass = deviceClassFromUA(r.UserAgent())
	}
	return id
}

func deviceClassFromUA(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	ua := useragent.New(s)
	switch {
	case ua.Bot():
		return "bot"
	case ua.Mobile():
		return "mobile"
	default:
		return "desktop"
	}
}
