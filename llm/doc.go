// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 llm 负责把一次生图请求可靠地送达上游：按预设轮询 API Key、
冷却失败的 Key、在可重试错误上退避重试，并把各家网关的错误
归一到 types.ErrorKind。

# 核心类型

  - [Orchestrator]：重试循环。每次尝试从 [KeyPool] 取一把 Key，
    调用 llm/image 中按后端缓存的适配器；不可重试的类型立即返回，
    其余类型最多尝试 min(len(keys), [MaxAttempts]) 次。
  - [KeyPool]：按预设名独立的轮询游标 + 跨预设共享的冷却表。
    全部冷却时返回 QUOTA_EXHAUSTED，并给出预计等待秒数。
  - [StatusStore]：最近一次的 Key 状态图标，供管理端展示；
    [CacheStatusStore] 基于 internal/cache 的 Redis 实现。

# 冷却

RATE_LIMIT 冷却 60 秒，AUTH_FAILED 与 QUOTA_EXHAUSTED 冷却 300 秒。
健康检查（[Orchestrator.CheckKeys]）只读冷却表，不会写入。

# 可观测

编排器为每次生成创建一个 OpenTelemetry span，并通过 [Recorder]
把尝试结果与冷却事件交给 internal/metrics。
*/
package llm
