package assemble

// stapTemplate renders the SystemTap script described in spec.md §4.7. The
// compact (non-verbose) form keys every table by a dense integer id via the
// global ID map; the verbose form keys directly by probe name, skipping the
// ID map entirely -- mirroring the original implementation's
// script_compact.py / script.py split.
const stapTemplate = `probe begin {
	printf("PERUN_TRACE_READY\n")
}

{{if not .Verbose}}
global ID
probe begin {
{{- range .Funcs}}
	ID["{{.Name}}"] = {{.ID}}
{{- end}}
{{- range .USDTs}}
	ID["{{.Name}}"] = {{.ID}}
{{- end}}
}
{{end}}

global sampling_threshold
global sampling_counter
global sampling_flag
global recursion_depth

probe begin {
{{- range .SampledFunc}}
	sampling_threshold[{{if $.Verbose}}"{{.Name}}"{{else}}{{.ID}}{{end}}] = {{.Sample}}
{{- end}}
{{- range .SampledUSDT}}
	sampling_threshold[{{if $.Verbose}}"{{.Name}}"{{else}}{{.ID}}{{end}}] = {{.Sample}}
{{- end}}
}

probe process("{{.Binary}}").begin {
	printf("PROCESS_BEGIN %d %d %d %d\n", tid(), pid(), ppid(), gettimeofday_ns())
}

probe process("{{.Binary}}").end {
	printf("PROCESS_END %d %d %d %d\n", tid(), pid(), ppid(), gettimeofday_ns())
}

probe process("{{.Binary}}").thread.begin {
	printf("THREAD_BEGIN %d %d\n", tid(), gettimeofday_ns())
}

probe process("{{.Binary}}").thread.end {
	printf("THREAD_END %d %d\n", tid(), gettimeofday_ns())
}

{{if .TimedSampling}}
global timed_switch
probe timer.ns(500000000) {
	timed_switch = !timed_switch
}
{{end}}

{{range .Funcs}}
{{- if le .Sample 1}}
probe process("{{$.Binary}}").function("{{.Name}}").call {
	printf("FUNC_BEGIN %d {{if $.Verbose}}{{.Name}}{{else}}{{.ID}}{{end}} %d\n", tid(), gettimeofday_ns())
}
probe process("{{$.Binary}}").function("{{.Name}}").return {
	printf("FUNC_END %d {{if $.Verbose}}{{.Name}}{{else}}{{.ID}}{{end}} %d\n", tid(), gettimeofday_ns())
}
{{- else}}
probe process("{{$.Binary}}").function("{{.Name}}").call {
	key = sprintf("%d:{{.Name}}", tid())
	sampling_counter[key] += 1
	if (sampling_counter[key] >= sampling_threshold[{{if $.Verbose}}"{{.Name}}"{{else}}{{.ID}}{{end}}]) {
		sampling_counter[key] = 0
		sampling_flag[key] = 1
		printf("FUNC_BEGIN %d {{if $.Verbose}}{{.Name}}{{else}}{{.ID}}{{end}} %d\n", tid(), gettimeofday_ns())
	}
}
probe process("{{$.Binary}}").function("{{.Name}}").return {
	key = sprintf("%d:{{.Name}}", tid())
	if (sampling_flag[key]) {
		sampling_flag[key] = 0
		printf("FUNC_END %d {{if $.Verbose}}{{.Name}}{{else}}{{.ID}}{{end}} %d\n", tid(), gettimeofday_ns())
	}
}
{{- end}}
{{end}}

{{range .SingleUSDT}}
probe process("{{$.Binary}}").mark("{{.Name}}") {
	printf("USDT_SINGLE %d {{if $.Verbose}}{{.Name}}{{else}}{{.ID}}{{end}} %d\n", tid(), gettimeofday_ns())
}
{{end}}

{{range .USDTs}}
{{- if .IsPaired}}
probe process("{{$.Binary}}").mark("{{.Name}}") {
	printf("USDT_BEGIN %d {{if $.Verbose}}{{.Name}}{{else}}{{.ID}}{{end}} %d\n", tid(), gettimeofday_ns())
}
{{- end}}
{{- end}}
`

// ebpfTemplate renders the C source compiled into the eBPF object the
// worker loads. Entry probes write a timestamp keyed by (tid, probe id)
// into a hash map and submit a begin record (kind 0) to a perf event array;
// exit probes that find that entry delete it and submit an end record
// (kind 1) stamped with the exit time (spec.md §4.7).
const ebpfTemplate = `// Code generated by perun-trace's assemble package. DO NOT EDIT.
#include <linux/bpf.h>
#include <bpf/bpf_helpers.h>

struct record {
	__u32 tid;
	__u32 probe_id;
	__u8 kind; // 0 = begin, 1 = end
	__u64 ts_ns;
};

struct {
	__uint(type, BPF_MAP_TYPE_HASH);
	__uint(max_entries, 8192);
	__type(key, __u64);   // (tid << 32) | probe_id
	__type(value, __u64); // entry timestamp
} entry_ts SEC(".maps");

struct {
	__uint(type, BPF_MAP_TYPE_PERF_EVENT_ARRAY);
} events SEC(".maps");

{{if .TimedSampling}}
struct {
	__uint(type, BPF_MAP_TYPE_ARRAY);
	__uint(max_entries, 1);
	__type(key, __u32);
	__type(value, __u32);
} timed_switch SEC(".maps");
{{end}}

{{range .Funcs}}
SEC("uprobe/{{.Name}}")
int probe_enter_{{.ID}}(struct pt_regs *ctx) {
	__u64 tid = bpf_get_current_pid_tgid();
	__u64 key = (tid << 32) | {{.ID}}u;
	__u64 ts = bpf_ktime_get_ns();
	bpf_map_update_elem(&entry_ts, &key, &ts, BPF_ANY);

	struct record r = {};
	r.tid = (__u32)(tid >> 32);
	r.probe_id = {{.ID}};
	r.kind = 0;
	r.ts_ns = ts;
	bpf_perf_event_output(ctx, &events, BPF_F_CURRENT_CPU, &r, sizeof(r));
	return 0;
}

SEC("uretprobe/{{.Name}}")
int probe_exit_{{.ID}}(struct pt_regs *ctx) {
	__u64 tid = bpf_get_current_pid_tgid();
	__u64 key = (tid << 32) | {{.ID}}u;
	__u64 *start = bpf_map_lookup_elem(&entry_ts, &key);
	if (!start)
		return 0;
	struct record r = {};
	r.tid = (__u32)(tid >> 32);
	r.probe_id = {{.ID}};
	r.kind = 1;
	r.ts_ns = bpf_ktime_get_ns();
	bpf_map_delete_elem(&entry_ts, &key);
	bpf_perf_event_output(ctx, &events, BPF_F_CURRENT_CPU, &r, sizeof(r));
	return 0;
}
{{end}}

char _license[] SEC("license") = "Dual MIT/GPL";
`
