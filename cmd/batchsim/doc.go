// SPDX-FileCopyrightText: 2023 Richard Hansen <rhansen@rhansen.org> and contributors
// SPDX-License-Identifier: Apache-2.0

// Command batchsim drives a dispatch.Dispatcher with synthetic load and reports how well the
// batching parameters amortize a simulated per-batch cost.
//
// Usage:
//
//	batchsim [-config dispatch.yaml] [-producers 8] [-items 1000] [-latency 20ms] [-per-item 1ms]
//	         [-fail-rate 0.01] [-batch-rate 50] [-metrics-addr :9090] [-dev] [-json]
//
// Each producer submits its items one at a time and waits for each result, the way independent
// request handlers would. The config file has the same keys as dispatch.Config:
//
//	max_batch_size: 32
//	max_wait: 10ms
//	max_concurrency: 4
//	queue_capacity: 1024
//	batch_timeout: 1s
//
// SIGINT or SIGTERM stops the producers, shuts the dispatcher down and prints the summary gathered
// so far.
package main
