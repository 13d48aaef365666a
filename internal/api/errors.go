package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/Resinat/streamguard/internal/settings"
)

func writeInvalidArgument(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeInvalidArgument, message)
}

func writeNotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, CodeNotFound, message)
}

func writeInternal(w http.ResponseWriter) {
	WriteError(w, http.StatusInternalServerError, CodeInternal, "internal server error")
}

func writePayloadTooLarge(w http.ResponseWriter, limit int64) {
	msg := "request body too large"
	if limit > 0 {
		msg = "request body too large (max " + strconv.FormatInt(limit, 10) + " bytes)"
	}
	WriteError(w, http.StatusRequestEntityTooLarge, CodePayloadTooLarge, msg)
}

func writeDecodeBodyError(w http.ResponseWriter, err error) {
	var tooLarge *bodyTooLargeError
	if errors.As(err, &tooLarge) {
		writePayloadTooLarge(w, tooLarge.limit)
		return
	}
	writeInvalidArgument(w, err.Error())
}

// writeSettingsError maps settings validation failures to 400 and anything
// else to 500.
func writeSettingsError(w http.ResponseWriter, err error) {
	if errors.Is(err, settings.ErrInvalidSnapshot) {
		writeInvalidArgument(w, err.Error())
		return
	}
	writeInternal(w)
}
