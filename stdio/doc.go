// Package stdio manages a child process that speaks newline-delimited
// JSON-RPC over its standard streams.
//
// Characteristics
//
//	Connection model : 1 gateway <-> 1 child process
//	Framing          : one JSON message per line (\n or \r\n)
//	Stderr           : free-form diagnostics, surfaced unmodified
//	Stdin            : in-memory FIFO, Write never waits for the child
//	Lifecycle        : starting -> running -> exited (terminal)
//
// The child's output is delivered as an ordered stream of events:
//
//	child, err := stdio.Start(ctx, "npx -y @modelcontextprotocol/server-everything")
//	if err != nil { log.Fatal(err) }
//	for ev := range child.Events() {
//	    switch ev := ev.(type) {
//	    case stdio.Output:
//	        for _, line := range ev.Lines {
//	            msg, err := stdio.Decode(line)
//	            // ...
//	        }
//	    case stdio.Exited:
//	        os.Exit(ev.Code)
//	    }
//	}
//
// Lines that are blank or not JSON are classified by Decode so callers can
// skip or log them without interrupting the stream.
package stdio
