package util

import "github.com/agentwire/agentwire/lib/util/logger"

var log = logger.GetAgentwireLogger()
