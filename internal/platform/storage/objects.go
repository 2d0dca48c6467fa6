package storage

import (
	"fmt"
	"strings"
)

// Object layout in the exports bucket:
//
//	cards/{sessionId}/{exportId}.png
//	cards/{sessionId}/backgrounds/{file}
//
// Everything under cards/{sessionId}/ belongs to that session's owner.

// ExportObject is where a rendered card PNG is stored.
func ExportObject(sessionID, exportID string) (string, error) {
	session, err := segment("session id", sessionID)
	if err != nil {
		return "", err
	}
	export, err := segment("export id", exportID)
	if err != nil {
		return "", err
	}
	return "cards/" + session + "/" + export + ".png", nil
}

// BackgroundObject is where a generated background image is stored.
func BackgroundObject(sessionID, fileName string) (string, error) {
	prefix, err := BackgroundPrefix(sessionID)
	if err != nil {
		return "", err
	}
	file, err := segment("file name", fileName)
	if err != nil {
		return "", err
	}
	return prefix + file, nil
}

// BackgroundPrefix is the folder holding a session's generated backgrounds.
func BackgroundPrefix(sessionID string) (string, error) {
	session, err := segment("session id", sessionID)
	if err != nil {
		return "", err
	}
	return "cards/" + session + "/backgrounds/", nil
}

const objectScheme = "gs://"

// ObjectURI is the stable reference kept for a stored object. It is signed
// whenever a fetchable URL is needed.
func ObjectURI(bucket, object string) string {
	return objectScheme + bucket + "/" + object
}

// ParseObjectURI splits a reference built by ObjectURI.
func ParseObjectURI(uri string) (bucket, object string, ok bool) {
	rest, found := strings.CutPrefix(uri, objectScheme)
	if !found {
		return "", "", false
	}
	bucket, object, found = strings.Cut(rest, "/")
	if !found || bucket == "" || object == "" {
		return "", "", false
	}
	return bucket, object, true
}

// segment rejects anything that could escape its prefix.
func segment(what, value string) (string, error) {
	value = strings.TrimSpace(value)
	switch {
	case value == "":
		return "", fmt.Errorf("storage: %s is required", what)
	case strings.ContainsAny(value, "/\\"), strings.Contains(value, ".."):
		return "", fmt.Errorf("storage: %s %q is not a single path segment", what, value)
	}
	return value, nil
}
