package firmware

import (
	"golang.org/x/text/encoding/unicode"
)

// DecodeUTF16CmdLine converts a firmware-supplied UTF-16LE command line
// (UEFI's native LoadOptions string form) into UTF-8, matching the
// BootParams.CommandLine pointer's documented encoding. raw must contain
// the null-terminated UTF-16LE bytes as handed back by firmware; any
// trailing NUL pair is dropped from the result.
func DecodeUTF16CmdLine(raw []byte) (string, error) {
	decoder := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
	out, err := decoder.Bytes(raw)
	if err != nil {
		return "", err
	}
	for len(out) > 0 && out[len(out)-1] == 0 {
		out = out[:len(out)-1]
	}
	return string(out), nil
}
