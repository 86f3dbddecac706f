// tatp runs one role of the distributed TATP load test: main, remote,
// statistics or client.
package main

import "github.com/m-lab/tatp-orchestrator/cmd/tatp/cmd"

func main() {
	cmd.Execute()
}
