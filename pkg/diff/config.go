package diff

import (
	"strings"

	"github.com/xyproto/env/v2"
)

// Special static local variables (tracing keys, warn-once flags,
// __func__ literals, ratelimit state) must never be correlated and are
// always pulled in when referenced. The defaults match the statics gcc
// generates for the target tree; both lists can be overridden for
// trees with their own carve-outs.
var (
	specialStaticPrefixes = envList("XSPLICE_SPECIAL_STATIC_PREFIXES",
		"__key.,__warned.,descriptor.,__func__.,_rs.")

	verboseSections = envList("XSPLICE_VERBOSE_SECTIONS", "__verbose")
)

func envList(key, fallback string) []string {
	return strings.Split(env.Str(key, fallback), ",")
}
