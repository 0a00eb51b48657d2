// Package agentloop implements a reason-act-observe agent loop.
//
// An Agent pairs a task Signature with a fixed set of tools. On every
// iteration the model sees the task inputs plus the serialized trajectory,
// picks a tool and its arguments, and the observation of that call is
// appended to the trajectory. The loop ends when the model calls the
// synthesized finish tool or the iteration budget runs out; in
// fixed-iteration mode there is no finish tool and every iteration runs. A
// final extraction call produces the task outputs.
//
// Model calls go through a Predictor. LMPredictor renders signatures in a
// field-marker format and calls a unifiedllm.Client. When the prompt no
// longer fits the context window, the oldest trajectory step is dropped and
// the call retried.
//
// Tool failures never abort a run: they become observations prefixed with
// "Failed to execute: ".
//
// # Quick Start
//
//	env := agentloop.NewLocalExecutionEnvironment("/path/to/workdir")
//	tools := agentloop.FileTools(env, agentloop.Editor{Client: client, Model: "gpt-4o-mini"})
//	agent, err := agentloop.NewAgent(task, tools, agentloop.NewLMPredictor(client, "gpt-4o-mini"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	res, err := agent.Run(ctx, agentloop.Values{"problem": "Write hello.py"})
package agentloop
