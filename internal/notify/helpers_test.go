package notify

import "github.com/petrijr/flowline/pkg/api"

func testFlow() api.Flow           { return api.Flow{ID: "flow-1", Name: "orders"} }
func testExecution() api.Execution { return api.Execution{ID: "exec-1", FlowID: "flow-1"} }
func testStep() api.Step           { return api.Step{ID: "a1", FlowID: "flow-1", Position: 2} }
