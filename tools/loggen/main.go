// loggen writes a synthetic error-log file in the envelope format the ingest
// command consumes, for load tests and local pipeline runs.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"
)

var loggers = []string{
	"com.app.engine.SessionManager",
	"com.app.integration.ProviderClient",
	"com.app.data.CaseRepository",
	"com.app.web.RequestDispatcher",
}

var messageTemplates = []string{
	"timeout for case CO-%d after 30000 ms",
	"connection reset while writing response for case CO-%d",
	"failed to resolve provider for session %d",
	"duplicate key violation inserting audit row %d",
}

var exceptionClasses = []string{
	"java.net.SocketTimeoutException",
	"java.sql.SQLException",
	"java.lang.IllegalStateException",
}

const stacktraceTemplate = `%s: %s
	at com.pegarules.generated.activity.ra_action_opencase_%s.step3(ra_action_opencase)
	at com.pega.pegarules.session.internal.mgmt.Executable.doActivity(Executable.java:3578)
	at com.pegarules.generated.activity.ra_action_fetchcase_%s.perform(ra_action_fetchcase)
	at com.pega.pegarules.session.internal.engineinterface.service.HttpAPI.run(HttpAPI.java:912)`

func main() {
	out := flag.String("o", "synthetic-logs.jsonl", "Output file path")
	count := flag.Int("n", 10000, "Number of log lines to generate")
	errorRate := flag.Float64("error-rate", 0.3, "Fraction of lines at ERROR level")
	stackRate := flag.Float64("stack-rate", 0.5, "Fraction of error lines carrying a stacktrace")
	seed := flag.Int64("seed", time.Now().UnixNano(), "Random seed")
	flag.Parse()

	rng := rand.New(rand.NewSource(*seed))

	f, err := os.Create(*out)
	if err != nil {
		log.Fatalf("Failed to create output file: %v", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	defer w.Flush()

	start := time.Now().UTC().Add(-time.Hour)
	errors := 0
	for i := 0; i < *count; i++ {
		ts := start.Add(time.Duration(i) * 360 * time.Millisecond)
		if rng.Float64() < *errorRate {
			errors++
			writeLine(w, errorLine(rng, ts, *stackRate))
		} else {
			writeLine(w, infoLine(rng, ts))
		}
	}

	log.Printf("Wrote %d lines (%d errors) to %s (seed %d)", *count, errors, *out, *seed)
}

func writeLine(w *bufio.Writer, line string) {
	if _, err := w.WriteString(line + "\n"); err != nil {
		log.Fatalf("Failed to write line: %v", err)
	}
}

func infoLine(rng *rand.Rand, ts time.Time) string {
	return fmt.Sprintf(`{"@timestamp":"%s","log":{"level":"INFO","logger_name":"%s","thread_name":"worker-%d","message":"request completed for %s"}}`,
		ts.Format(time.RFC3339Nano), pick(rng, loggers), rng.Intn(16), uuid.NewString())
}

func errorLine(rng *rand.Rand, ts time.Time, stackRate float64) string {
	msg := fmt.Sprintf(pick(rng, messageTemplates), 10000+rng.Intn(90000))
	base := fmt.Sprintf(`"level":"ERROR","logger_name":"%s","thread_name":"worker-%d","message":%q`,
		pick(rng, loggers), rng.Intn(16), msg)

	if rng.Float64() < stackRate {
		class := pick(rng, exceptionClasses)
		hash := fmt.Sprintf("%08x", rng.Uint32())
		stack := fmt.Sprintf(stacktraceTemplate, class, msg, hash, hash)
		return fmt.Sprintf(`{"@timestamp":"%s","log":{%s,"exception":{"exception_class":"%s","exception_message":%q,"stacktrace":%q}}}`,
			ts.Format(time.RFC3339Nano), base, class, msg, stack)
	}
	return fmt.Sprintf(`{"@timestamp":"%s","log":{%s}}`, ts.Format(time.RFC3339Nano), base)
}

func pick(rng *rand.Rand, options []string) string {
	return options[rng.Intn(len(options))]
}
