package engine

// Sink drivers and checkpoint backends register themselves on import.
import (
	_ "streamingest/checkpoint/azblob"
	_ "streamingest/checkpoint/memory"
	_ "streamingest/checkpoint/redis"
	_ "streamingest/sink/azmonitor"
	_ "streamingest/sink/kafka"
	_ "streamingest/sink/opensearch"
	_ "streamingest/sink/stdout"
)
