// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 streaming 提供上游流式响应（SSE）的分帧解析。

# 概述

图像后端以 "data: " 前缀的事件流返回结果，网络分片可能把一个事件
切成多段。Splitter 保存尚未结束的残片，下一次 Feed 时再拼接。

# 核心接口

  - Splitter - 有状态的分帧器，Feed 返回已完整的 payload。
  - Read - 从 io.Reader 读取并对每个 payload 调用回调，遇到 [DONE] 结束。
  - ErrStop - 回调返回它即可提前停止读取，不视为错误。
*/
package streaming
