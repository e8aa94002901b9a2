package utils

import (
	"net/http"
	"path"
	"strings"

	"github.com/valyala/fasthttp"
)

var extensionDestinations = map[string]string{
	".css":   "style",
	".js":    "script",
	".mjs":   "script",
	".png":   "image",
	".jpg":   "image",
	".jpeg":  "image",
	".gif":   "image",
	".svg":   "image",
	".webp":  "image",
	".avif":  "image",
	".ico":   "image",
	".woff":  "font",
	".woff2": "font",
	".ttf":   "font",
	".otf":   "font",
	".eot":   "font",
}

// DestinationFromPath guesses the fetch destination from a file extension.
func DestinationFromPath(p string) string {
	return extensionDestinations[strings.ToLower(path.Ext(p))]
}

func HeaderFromResponse(resp *fasthttp.Response) http.Header {
	header := make(http.Header)
	resp.Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func ApplyRequestHeader(req *fasthttp.Request, header http.Header) {
	for key, values := range header {
		for i, value := range values {
			if i == 0 {
				req.Header.Set(key, value)
			} else {
				req.Header.Add(key, value)
			}
		}
	}
}

func CreateErrorResponse(ctx *fasthttp.RequestCtx, status int, code, message string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")

	ctx.Response.Header.Set("Cache-Control", "no-cache, no-store, must-revalidate")

	if requestID := string(ctx.Request.Header.Peek("X-Request-ID")); requestID != "" {
		ctx.Response.Header.Set("X-Request-ID", requestID)
	}

	body, err := Marshal(map[string]string{"error": code, "message": message})
	if err != nil {
		ctx.SetBodyString(`{"error":"Internal Server Error"}`)
		return
	}

	ctx.SetBody(body)
}
